package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// HealthRecord is one indexer test outcome in the audit trail.
type HealthRecord struct {
	ID        uuid.UUID `json:"id"`
	Service   string    `json:"service"`
	IndexerID int       `json:"indexer_id"`
	Name      string    `json:"name"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ServiceSummary aggregates audit outcomes for one service over a window.
type ServiceSummary struct {
	Service     string    `json:"service"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	LastChecked time.Time `json:"last_checked"`
}

// AuditSession is a single open transaction over the audit trail. Records
// staged with Stage become visible together on Commit, or not at all on
// Rollback, so one healing cycle produces exactly one atomic write.
type AuditSession struct {
	tx     pgx.Tx
	staged int
}

// BeginAudit opens an audit session backed by a database transaction.
func (db *DB) BeginAudit(ctx context.Context) (*AuditSession, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin audit: %w", err)
	}
	return &AuditSession{tx: tx}, nil
}

// Stage inserts a health record inside the session's transaction.
func (s *AuditSession) Stage(ctx context.Context, rec HealthRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = time.Now().UTC()
	}

	_, err := s.tx.Exec(ctx,
		`INSERT INTO indexer_health (id, service, indexer_id, name, success, error, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Service, rec.IndexerID, rec.Name, rec.Success, rec.Error, rec.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: stage health record: %w", err)
	}
	s.staged++
	return nil
}

// Staged returns how many records the session has accumulated.
func (s *AuditSession) Staged() int {
	return s.staged
}

// Commit makes every staged record visible atomically.
func (s *AuditSession) Commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit audit: %w", err)
	}
	return nil
}

// Rollback discards the session. Safe to call after Commit.
func (s *AuditSession) Rollback(ctx context.Context) {
	_ = s.tx.Rollback(ctx)
}

// RecentHealth returns the most recent audit records, newest first.
// An empty service matches all services.
func (db *DB) RecentHealth(ctx context.Context, service string, limit int) ([]HealthRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, service, indexer_id, name, success, error, checked_at
	          FROM indexer_health`
	args := []any{}
	if service != "" {
		query += ` WHERE service = $1`
		args = append(args, service)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY checked_at DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent health: %w", err)
	}
	defer rows.Close()

	var records []HealthRecord
	for rows.Next() {
		var rec HealthRecord
		if err := rows.Scan(&rec.ID, &rec.Service, &rec.IndexerID, &rec.Name,
			&rec.Success, &rec.Error, &rec.CheckedAt); err != nil {
			return nil, fmt.Errorf("storage: scan health record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HealthSummary returns per-service pass/fail counts over the trailing window.
func (db *DB) HealthSummary(ctx context.Context, window time.Duration) ([]ServiceSummary, error) {
	since := time.Now().UTC().Add(-window)

	rows, err := db.pool.Query(ctx,
		`SELECT service,
		        count(*) FILTER (WHERE success),
		        count(*) FILTER (WHERE NOT success),
		        max(checked_at)
		 FROM indexer_health
		 WHERE checked_at >= $1
		 GROUP BY service
		 ORDER BY service`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query health summary: %w", err)
	}
	defer rows.Close()

	var summaries []ServiceSummary
	for rows.Next() {
		var s ServiceSummary
		if err := rows.Scan(&s.Service, &s.Passed, &s.Failed, &s.LastChecked); err != nil {
			return nil, fmt.Errorf("storage: scan health summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
