package store

import (
	"context"
	"strconv"
	"time"
)

const auditColumns = `id, team_id, user_id, operation, path, resource_type,
	resource_id, success, error_message, client_ip, correlation_id, details, created_at`

// AuditFilter narrows QueryAuditRecords. Only the highest-priority
// non-empty field is applied: resource > user > operation > path >
// time range > failures-only.
type AuditFilter struct {
	ResourceType string
	ResourceID   string
	UserID       string
	Operation    string
	Path         string
	From         *time.Time
	To           *time.Time
	FailuresOnly bool
}

// InsertAuditRecord appends one audit row. The id is assigned by the
// database sequence.
func InsertAuditRecord(ctx context.Context, q Querier, r *AuditRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_records (team_id, user_id, operation, path, resource_type,
			resource_id, success, error_message, client_ip, correlation_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.TeamID, r.UserID, r.Operation, r.Path, r.ResourceType,
		r.ResourceID, r.Success, r.ErrorMessage, r.ClientIP, r.CorrelationID, r.Details, r.CreatedAt,
	)
	return err
}

// QueryAuditRecords pages a team's audit records, newest first,
// applying the filter's highest-priority field.
func QueryAuditRecords(ctx context.Context, q Querier, teamID string, f AuditFilter, limit, offset int) ([]*AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE team_id = $1`
	args := []interface{}{teamID}

	switch {
	case f.ResourceType != "" && f.ResourceID != "":
		query += ` AND resource_type = $2 AND resource_id = $3`
		args = append(args, f.ResourceType, f.ResourceID)
	case f.UserID != "":
		query += ` AND user_id = $2`
		args = append(args, f.UserID)
	case f.Operation != "":
		query += ` AND operation = $2`
		args = append(args, f.Operation)
	case f.Path != "":
		query += ` AND path = $2`
		args = append(args, f.Path)
	case f.From != nil && f.To != nil:
		query += ` AND created_at BETWEEN $2 AND $3`
		args = append(args, *f.From, *f.To)
	case f.FailuresOnly:
		query += ` AND NOT success`
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1) +
		` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(
			&r.ID, &r.TeamID, &r.UserID, &r.Operation, &r.Path, &r.ResourceType,
			&r.ResourceID, &r.Success, &r.ErrorMessage, &r.ClientIP, &r.CorrelationID,
			&r.Details, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
