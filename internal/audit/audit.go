// Package audit persists one record per mutating operation. Writes go
// straight to the connection pool, never through the caller's
// transaction, so an audit failure cannot poison the primary
// operation. Failed writes are logged and counted, not propagated.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/codeops/vault/internal/metrics"
	"github.com/codeops/vault/internal/reqctx"
	"github.com/codeops/vault/internal/store"
)

// Operation names recorded in audit rows.
const (
	OpRead           = "READ"
	OpWrite          = "WRITE"
	OpDelete         = "DELETE"
	OpRotate         = "ROTATE"
	OpSeal           = "SEAL"
	OpUnseal         = "UNSEAL"
	OpPolicyCreate   = "POLICY_CREATE"
	OpPolicyUpdate   = "POLICY_UPDATE"
	OpPolicyDelete   = "POLICY_DELETE"
	OpBind           = "BIND"
	OpUnbind         = "UNBIND"
	OpLeaseCreate    = "LEASE_CREATE"
	OpLeaseRevoke    = "LEASE_REVOKE"
	OpTransitCreate  = "TRANSIT_CREATE"
	OpTransitRotate  = "TRANSIT_ROTATE"
	OpTransitEncrypt = "TRANSIT_ENCRYPT"
	OpTransitDecrypt = "TRANSIT_DECRYPT"
	OpTransitDelete  = "TRANSIT_DELETE"
)

// Entry describes one operation for the audit trail.
type Entry struct {
	TeamID       string
	UserID       string
	Operation    string
	Path         string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
}

// Sink writes audit records best-effort.
type Sink struct {
	db     *sql.DB
	logger hclog.Logger
}

// New builds a sink over the pool handle.
func New(db *sql.DB, logger hclog.Logger) *Sink {
	return &Sink{db: db, logger: logger.Named("audit")}
}

// Success records a completed operation.
func (s *Sink) Success(ctx context.Context, e Entry) {
	s.write(ctx, e, true, "")
}

// Failure records a failed operation with its error message.
func (s *Sink) Failure(ctx context.Context, e Entry, opErr error) {
	msg := ""
	if opErr != nil {
		msg = opErr.Error()
	}
	s.write(ctx, e, false, msg)
}

// Query pages a team's audit trail. Only the highest-priority
// non-empty filter field is applied.
func (s *Sink) Query(ctx context.Context, teamID string, f store.AuditFilter, limit, offset int) ([]*store.AuditRecord, error) {
	return store.QueryAuditRecords(ctx, s.db, teamID, f, limit, offset)
}

func (s *Sink) write(ctx context.Context, e Entry, success bool, errMsg string) {
	rec := &store.AuditRecord{
		TeamID:        optional(e.TeamID),
		UserID:        optional(e.UserID),
		Operation:     strings.ToUpper(e.Operation),
		Path:          optional(e.Path),
		ResourceType:  optional(e.ResourceType),
		ResourceID:    optional(e.ResourceID),
		Success:       success,
		ErrorMessage:  optional(errMsg),
		ClientIP:      optional(reqctx.ClientIP(ctx)),
		CorrelationID: optional(reqctx.CorrelationID(ctx)),
		CreatedAt:     time.Now().UTC(),
	}
	if len(e.Details) > 0 {
		if data, err := json.Marshal(e.Details); err == nil {
			rec.Details = optional(string(data))
		}
	}

	if err := store.InsertAuditRecord(ctx, s.db, rec); err != nil {
		metrics.RecordAuditWriteFailure()
		s.logger.Error("audit record dropped",
			"operation", rec.Operation, "path", e.Path, "error", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
