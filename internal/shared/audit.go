package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ID       int64          `json:"id"`
	ActorID  int64          `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

// AuditLogger writes and reads audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

// List returns the most recent entries for one entity, oldest first.
func (l *AuditLogger) List(ctx context.Context, entity, entityID string, limit int) ([]AuditLog, error) {
	if l == nil {
		return nil, errors.New("audit logger not initialised")
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := l.pool.Query(ctx, `SELECT id, COALESCE(actor_id, 0), action, entity, entity_id, meta, occurred_at FROM (
	SELECT * FROM audit_logs WHERE entity=$1 AND entity_id=$2 ORDER BY occurred_at DESC, id DESC LIMIT $3
) recent ORDER BY occurred_at, id`, entity, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []AuditLog
	for rows.Next() {
		var entry AuditLog
		var meta []byte
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.Action, &entry.Entity, &entry.EntityID, &meta, &entry.At); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &entry.Meta); err != nil {
				return nil, err
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
