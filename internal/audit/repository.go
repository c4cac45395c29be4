// Package audit records cloud-initiated actions against this instance
// in the relay_audit_logs table.
//
// Every command, admin action or notification the relay delivers leaves
// a row here, alongside connection lifecycle events. The local status
// API exposes the trail so an installer can answer "what did the cloud
// do to this house, and when".
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// AuditLog is one recorded cloud-originated action.
type AuditLog struct { //nolint:revive // audit.AuditLog is clearer than audit.Log in calling code
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Handler   string         `json:"handler,omitempty"`
	MsgID     string         `json:"msg_id,omitempty"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows a List call to matching entries.
type Filter struct {
	Action  string // optional: filter by action (command, admin, notification, connected, disconnected)
	Handler string // optional: filter by the relay handler that processed the frame
	Limit   int    // default 50, max 200
	Offset  int    // pagination offset
}

// normalized returns a copy with the page size clamped and negative
// offsets zeroed.
func (f Filter) normalized() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultPageSize
	case f.Limit > maxPageSize:
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// where renders the filter as a WHERE clause with bind arguments. The
// clause text is assembled only from fixed column comparisons; values
// always travel as placeholders.
func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.Handler != "" {
		conds = append(conds, "handler = ?")
		args = append(args, f.Handler)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// ListResult is one page of entries plus the total match count.
type ListResult struct {
	Logs   []AuditLog `json:"logs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Repository is the storage surface the API and bridge write through.
type Repository interface {
	Create(ctx context.Context, entry *AuditLog) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores audit logs in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an open database handle. The audit_logs
// table must already exist; migrations create it.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an audit entry, generating the ID and timestamp when
// the caller leaves them empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *AuditLog) error {
	if entry.ID == "" {
		entry.ID = "aud-" + uuid.NewString()[:8]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	details, err := encodeDetails(entry.Details)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO relay_audit_logs (id, action, handler, msg_id, source, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action,
		nullIfEmpty(entry.Handler), nullIfEmpty(entry.MsgID),
		entry.Source, details,
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// List returns audit entries matching the filter, newest first. Logs
// is never nil so the API always serialises a JSON array.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	filter = filter.normalized()
	where, args := filter.where()

	// The clause text comes from Filter.where, never from user input.
	var total int
	countStmt := "SELECT COUNT(*) FROM relay_audit_logs " + where
	if err := r.db.QueryRowContext(ctx, countStmt, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit logs: %w", err)
	}

	stmt := fmt.Sprintf(`SELECT id, action, handler, msg_id, source, details, created_at
		 FROM relay_audit_logs %s
		 ORDER BY created_at DESC, id
		 LIMIT ? OFFSET ?`, where)

	rows, err := r.db.QueryContext(ctx, stmt, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	logs := []AuditLog{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit logs: %w", err)
	}

	return &ListResult{
		Logs:   logs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// scanEntry reads one row back into an AuditLog, decoding the optional
// columns. A details blob that no longer parses is dropped rather than
// failing the whole listing.
func scanEntry(rows *sql.Rows) (AuditLog, error) {
	var entry AuditLog
	var handler, msgID, blob sql.NullString
	var createdAt string

	if err := rows.Scan(&entry.ID, &entry.Action,
		&handler, &msgID, &entry.Source, &blob, &createdAt); err != nil {
		return AuditLog{}, fmt.Errorf("scanning audit log: %w", err)
	}

	entry.Handler = handler.String
	entry.MsgID = msgID.String

	if blob.String != "" {
		var details map[string]any
		if json.Unmarshal([]byte(blob.String), &details) == nil {
			entry.Details = details
		}
	}

	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return AuditLog{}, fmt.Errorf("parsing audit log timestamp %q: %w", createdAt, err)
	}
	entry.CreatedAt = ts

	return entry, nil
}

// encodeDetails serialises the details map for the nullable TEXT
// column. A nil map stores NULL.
func encodeDetails(details map[string]any) (any, error) {
	if details == nil {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshalling audit details: %w", err)
	}
	return string(b), nil
}

// nullIfEmpty maps "" to NULL for optional TEXT columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
