// Package config loads the vaultd configuration from an optional YAML
// file with environment-variable overrides (VAULTD_ prefix).
package config

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

// Config holds the full runtime configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`
	LogLevel    string `yaml:"log_level" envconfig:"LOG_LEVEL"`

	// MasterKey is the HKDF input for every derived key. The process
	// refuses to start when it is shorter than 32 characters.
	MasterKey string `yaml:"master_key" envconfig:"MASTER_KEY"`

	// AutoUnseal starts the vault UNSEALED instead of waiting for key
	// shares.
	AutoUnseal bool `yaml:"auto_unseal" envconfig:"AUTO_UNSEAL"`

	// TotalShares (n) and Threshold (k) are the Shamir parameters.
	TotalShares int `yaml:"total_shares" envconfig:"TOTAL_SHARES"`
	Threshold   int `yaml:"threshold" envconfig:"THRESHOLD"`

	// TokenSigningKey is the HMAC secret shared with the identity
	// issuer; must be at least 32 bytes.
	TokenSigningKey string `yaml:"token_signing_key" envconfig:"TOKEN_SIGNING_KEY"`

	DynamicSecrets DynamicSecretsConfig `yaml:"dynamic_secrets"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
}

// DynamicSecretsConfig tunes dynamic-lease credential generation.
type DynamicSecretsConfig struct {
	// ExecuteSQL gates the CREATE/DROP statements against lease
	// backends. Off in dev and test.
	ExecuteSQL     bool   `yaml:"execute_sql" envconfig:"DYNAMIC_EXECUTE_SQL"`
	DefaultTTL     int    `yaml:"default_ttl" envconfig:"DYNAMIC_DEFAULT_TTL"`
	MaxTTL         int    `yaml:"max_ttl" envconfig:"DYNAMIC_MAX_TTL"`
	UsernamePrefix string `yaml:"username_prefix" envconfig:"DYNAMIC_USERNAME_PREFIX"`
	PasswordLength int    `yaml:"password_length" envconfig:"DYNAMIC_PASSWORD_LENGTH"`
}

// Duration is a time.Duration that decodes "60s" style strings from
// both YAML and environment variables.
type Duration time.Duration

// Std returns the standard-library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// SchedulerConfig tunes the periodic drivers.
type SchedulerConfig struct {
	// Disabled turns both drivers off (test mode).
	Disabled     bool     `yaml:"disabled" envconfig:"SCHEDULER_DISABLED"`
	RotationTick Duration `yaml:"rotation_tick" envconfig:"ROTATION_TICK"`
	LeaseTick    Duration `yaml:"lease_tick" envconfig:"LEASE_TICK"`
}

// Default returns the baseline configuration. File and environment
// values layer on top of it.
func Default() *Config {
	return &Config{
		ListenAddr:  ":8200",
		LogLevel:    "info",
		TotalShares: 5,
		Threshold:   3,
		DynamicSecrets: DynamicSecretsConfig{
			DefaultTTL:     3600,
			MaxTTL:         86400,
			UsernamePrefix: "v_",
			PasswordLength: 32,
		},
		Scheduler: SchedulerConfig{
			RotationTick: Duration(60 * time.Second),
			LeaseTick:    Duration(30 * time.Second),
		},
	}
}

// Load starts from the defaults, layers the YAML file at path (when
// non-empty), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, vaulterrors.Wrap(vaulterrors.KindInvalidInput, "reading config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, vaulterrors.Wrap(vaulterrors.KindInvalidInput, "parsing config file", err)
		}
	}

	if err := envconfig.Process("VAULTD", cfg); err != nil {
		return nil, vaulterrors.Wrap(vaulterrors.KindInvalidInput, "applying environment overrides", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the configuration contract.
func (c *Config) Validate() error {
	if len(c.MasterKey) < 32 {
		return vaulterrors.InvalidInput("master_key must be at least 32 characters")
	}
	if c.TotalShares < 1 || c.TotalShares > 255 {
		return vaulterrors.InvalidInputf("total_shares must be in [1, 255], got %d", c.TotalShares)
	}
	if c.Threshold < 1 || c.Threshold > c.TotalShares {
		return vaulterrors.InvalidInputf("threshold must be in [1, total_shares], got %d", c.Threshold)
	}
	if len(c.TokenSigningKey) > 0 && len(c.TokenSigningKey) < 32 {
		return vaulterrors.InvalidInput("token_signing_key must be at least 32 bytes")
	}
	if c.DatabaseURL == "" {
		return vaulterrors.InvalidInput("database_url is required")
	}
	ds := c.DynamicSecrets
	if ds.DefaultTTL < 60 || ds.DefaultTTL > ds.MaxTTL {
		return vaulterrors.InvalidInput("dynamic_secrets.default_ttl must be at least 60 and not exceed max_ttl")
	}
	if ds.MaxTTL > 86400 {
		return vaulterrors.InvalidInput("dynamic_secrets.max_ttl must not exceed 86400 seconds")
	}
	if ds.PasswordLength < 12 || ds.PasswordLength > 128 {
		return vaulterrors.InvalidInput("dynamic_secrets.password_length must be in [12, 128]")
	}
	return nil
}
