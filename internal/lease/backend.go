package lease

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/lib/pq"
	"github.com/xeipuuv/gojsonschema"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

// backendConfig is the connection description a DYNAMIC secret carries
// in its metadata.
type backendConfig struct {
	BackendType   string `json:"backendType"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Database      string `json:"database"`
	AdminUsername string `json:"adminUsername"`
	AdminPassword string `json:"adminPassword"`
}

var backendConfigSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["backendType", "host", "port", "database", "adminUsername", "adminPassword"],
	"properties": {
		"backendType": {"type": "string", "enum": ["postgresql", "mysql"]},
		"host": {"type": "string", "minLength": 1},
		"port": {"type": "integer", "minimum": 1, "maximum": 65535},
		"database": {"type": "string", "minLength": 1},
		"adminUsername": {"type": "string", "minLength": 1},
		"adminPassword": {"type": "string", "minLength": 1}
	}
}`)

// validateBackendConfig checks the raw metadata JSON against the
// schema before it is parsed.
func validateBackendConfig(raw string) error {
	result, err := gojsonschema.Validate(backendConfigSchema, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return vaulterrors.Wrap(vaulterrors.KindInvalidInput, "parsing backend configuration", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return vaulterrors.InvalidInputf("invalid backend configuration: %s", strings.Join(details, "; "))
	}
	return nil
}

// backend issues the user-management statements for one database
// flavour.
type backend interface {
	driverName() string
	dsn(cfg backendConfig) string
	provision(ctx context.Context, db *sql.DB, cfg backendConfig, username, password string) error
	drop(ctx context.Context, db *sql.DB, username string) error
}

type postgresBackend struct{}

func (postgresBackend) driverName() string { return "postgres" }

func (postgresBackend) dsn(cfg backendConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.AdminUsername, cfg.AdminPassword),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (postgresBackend) provision(ctx context.Context, db *sql.DB, cfg backendConfig, username, password string) error {
	stmts := []string{
		fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s",
			pq.QuoteIdentifier(username), pq.QuoteLiteral(password)),
		fmt.Sprintf("GRANT CONNECT ON DATABASE %s TO %s",
			pq.QuoteIdentifier(cfg.Database), pq.QuoteIdentifier(username)),
		fmt.Sprintf("GRANT USAGE ON SCHEMA public TO %s",
			pq.QuoteIdentifier(username)),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (postgresBackend) drop(ctx context.Context, db *sql.DB, username string) error {
	_, err := db.ExecContext(ctx,
		fmt.Sprintf("DROP ROLE IF EXISTS %s", pq.QuoteIdentifier(username)))
	return err
}

type mysqlBackend struct{}

func (mysqlBackend) driverName() string { return "mysql" }

func (mysqlBackend) dsn(cfg backendConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		cfg.AdminUsername, cfg.AdminPassword, cfg.Host, cfg.Port, cfg.Database)
}

func (mysqlBackend) provision(ctx context.Context, db *sql.DB, cfg backendConfig, username, password string) error {
	stmts := []string{
		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED BY '%s'",
			escapeMySQL(username), escapeMySQL(password)),
		fmt.Sprintf("GRANT SELECT, INSERT, UPDATE, DELETE ON `%s`.* TO '%s'@'%%'",
			cfg.Database, escapeMySQL(username)),
		"FLUSH PRIVILEGES",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (mysqlBackend) drop(ctx context.Context, db *sql.DB, username string) error {
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", escapeMySQL(username))); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, "FLUSH PRIVILEGES")
	return err
}

func escapeMySQL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

var backends = map[string]backend{
	"postgresql": postgresBackend{},
	"mysql":      mysqlBackend{},
}
