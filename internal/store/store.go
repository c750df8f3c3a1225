// Package store implements the optional post-mortem trace log from
// spec.md §6 ("Optional: a trace log per completed job for
// post-mortem"). It is off by default; the broker's core never depends
// on it, and a Worker that can't reach Postgres simply logs a warning
// and continues.
//
// Grounded on a pgxpool-based store's connection sequence (pool
// construction, ping, schema bootstrap), trimmed from a full
// multi-tenant data-access layer down to a single append-only table.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tangoremote/tango/internal/domain"
)

// TraceStore appends one row per completed job. The zero value is not
// usable; construct via Open.
type TraceStore struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies connectivity, and ensures the trace
// log table exists.
func Open(ctx context.Context, dsn string) (*TraceStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	s := &TraceStore{pool: pool}
	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *TraceStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *TraceStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS job_trace_log (
			job_id       BIGINT PRIMARY KEY,
			image        TEXT NOT NULL,
			access_key   TEXT NOT NULL,
			final_state  TEXT NOT NULL,
			fail_cause   TEXT NOT NULL,
			retry_count  INTEGER NOT NULL,
			trace        JSONB NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL,
			finished_at  TIMESTAMPTZ NOT NULL,
			recorded_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// Record is one completed job's post-mortem trace.
type Record struct {
	JobID      int64
	Image      string
	AccessKey  string
	FinalState string
	FailCause  string
	RetryCount int
	Trace      []domain.TraceEntry
	Started    time.Time
	Finished   time.Time
}

// Append inserts rec, overwriting any prior row for the same job id (a
// job is only ever recorded once it reaches a terminal state, but a
// crash-recovery replay could re-submit the same write).
func (s *TraceStore) Append(ctx context.Context, rec Record) error {
	traceJSON, err := json.Marshal(rec.Trace)
	if err != nil {
		return fmt.Errorf("store: marshal trace: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_trace_log (job_id, image, access_key, final_state, fail_cause, retry_count, trace, started_at, finished_at, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (job_id) DO UPDATE SET
			final_state = EXCLUDED.final_state,
			fail_cause  = EXCLUDED.fail_cause,
			retry_count = EXCLUDED.retry_count,
			trace       = EXCLUDED.trace,
			finished_at = EXCLUDED.finished_at,
			recorded_at = EXCLUDED.recorded_at`,
		rec.JobID, rec.Image, rec.AccessKey, rec.FinalState, rec.FailCause,
		rec.RetryCount, traceJSON, rec.Started, rec.Finished, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: append job %d: %w", rec.JobID, err)
	}
	return nil
}

// Get returns the stored trace for jobID, if one was recorded.
func (s *TraceStore) Get(ctx context.Context, jobID int64) (Record, bool, error) {
	var rec Record
	var traceJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, image, access_key, final_state, fail_cause, retry_count, trace, started_at, finished_at
		FROM job_trace_log WHERE job_id = $1`, jobID).Scan(
		&rec.JobID, &rec.Image, &rec.AccessKey, &rec.FinalState, &rec.FailCause,
		&rec.RetryCount, &traceJSON, &rec.Started, &rec.Finished)
	if err == pgx.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("store: get job %d: %w", jobID, err)
	}
	if err := json.Unmarshal(traceJSON, &rec.Trace); err != nil {
		return Record{}, false, fmt.Errorf("store: unmarshal trace for job %d: %w", jobID, err)
	}
	return rec, true, nil
}
