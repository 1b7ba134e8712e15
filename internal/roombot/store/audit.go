package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID           int64
	Timestamp    time.Time
	TraceID      string
	Actor        string
	Action       string
	Target       sql.NullString
	PayloadJSON  sql.NullString
	Result       string
	ErrorMessage sql.NullString
}

// AuditPayload is a helper for structured audit payloads
type AuditPayload map[string]interface{}

// Audit results.
const (
	ResultSuccess = "success"
	ResultDenied  = "denied"
	ResultError   = "error"
)

// WriteAudit appends an audit entry.  Empty target, payload and errorMsg are
// stored as NULL.
func (s *Store) WriteAudit(ctx context.Context, traceID, actor, action, target, result string, payload AuditPayload, errorMsg string) error {
	var payloadJSON sql.NullString
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal audit payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, actor, action, target, payload_json, result, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, time.Now().UTC(), traceID, actor, action, nullable(target), payloadJSON, result, nullable(errorMsg))
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// GetAuditLog returns the most recent entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAudit(ctx, `
		SELECT id, ts, trace_id, actor, action, target, payload_json, result, error_message
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
}

// GetAuditByTrace returns all entries for a trace ID in insertion order.
func (s *Store) GetAuditByTrace(ctx context.Context, traceID string) ([]*AuditEntry, error) {
	return s.queryAudit(ctx, `
		SELECT id, ts, trace_id, actor, action, target, payload_json, result, error_message
		FROM audit_log
		WHERE trace_id = ?
		ORDER BY id ASC
	`, traceID)
}

// CountAudit returns the number of audit entries, optionally filtered by
// result.
func (s *Store) CountAudit(ctx context.Context, result string) (int, error) {
	var n int
	var err error
	if result == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log WHERE result = ?", result).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count audit log: %w", err)
	}
	return n, nil
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.TraceID, &e.Actor,
			&e.Action, &e.Target, &e.PayloadJSON,
			&e.Result, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
