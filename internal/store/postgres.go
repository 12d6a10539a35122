// Package store persists run records in PostgreSQL.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pullci/internal/core"
)

//go:embed schema.sql
var Schema string

// ErrNotFound is returned by GetRun for an unknown run id.
var ErrNotFound = errors.New("run not found")

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// ExecSQL executes raw SQL.
func (s *Store) ExecSQL(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

// EnsureSchema applies the embedded schema. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.ExecSQL(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SaveRun stores a run and its step results in one transaction. Saving the
// same run id twice replaces the earlier rows.
func (s *Store) SaveRun(ctx context.Context, rec *core.RunRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", rec.ID, err)
	}
	skipped := rec.Skipped
	if skipped == nil {
		skipped = []string{}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO pullci.runs (run_id, pipeline, event_kind, status, started_at, finished_at, skipped, record)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb)
			ON CONFLICT (run_id) DO UPDATE
			SET status=EXCLUDED.status, finished_at=EXCLUDED.finished_at,
			    skipped=EXCLUDED.skipped, record=EXCLUDED.record
		`, rec.ID, rec.Pipeline, string(rec.Event.Kind), string(rec.Status),
			rec.StartedAt, rec.FinishedAt, skipped, string(raw))
		if err != nil {
			return fmt.Errorf("insert run %s: %w", rec.ID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM pullci.steps WHERE run_id=$1`, rec.ID); err != nil {
			return fmt.Errorf("clear steps for %s: %w", rec.ID, err)
		}

		batch := &pgx.Batch{}
		for i, r := range rec.Results {
			batch.Queue(`
				INSERT INTO pullci.steps (run_id, position, name, handler, status, exit_code, message, log_path, started_at, duration_ms)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			`, rec.ID, i, r.StepName, r.Handler, string(r.Status), r.ExitInfo.Code,
				nullIfEmpty(r.ExitInfo.Message), nullIfEmpty(r.ExitInfo.LogPath),
				r.StartedAt, r.Duration.Milliseconds())
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert steps for %s: %w", rec.ID, err)
		}
		return nil
	})
}

// GetRun loads a stored run record.
func (s *Store) GetRun(ctx context.Context, runID string) (*core.RunRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM pullci.runs WHERE run_id=$1`, runID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	var rec core.RunRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &rec, nil
}

// RunSummary is one row of ListRuns.
type RunSummary struct {
	ID         string      `json:"id"`
	Pipeline   string      `json:"pipeline"`
	Status     core.Status `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// ListRuns returns the latest runs of a pipeline, newest first. An empty
// pipeline lists every pipeline.
func (s *Store) ListRuns(ctx context.Context, pipeline string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, pipeline, status, started_at, finished_at
		FROM pullci.runs
		WHERE $1::text IS NULL OR pipeline=$1
		ORDER BY started_at DESC
		LIMIT $2
	`, nullIfEmpty(pipeline), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (RunSummary, error) {
		var r RunSummary
		var status string
		err := row.Scan(&r.ID, &r.Pipeline, &status, &r.StartedAt, &r.FinishedAt)
		r.Status = core.Status(status)
		return r, err
	})
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
