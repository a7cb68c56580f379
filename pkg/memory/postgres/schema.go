// Package postgres provides a PostgreSQL-backed [memory.SessionStore] for
// interview records.
//
// Each interview is one row of the interview_sessions table. The transcript
// and the analysis are stored as JSONB so a record is written and read in a
// single round trip.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Save(ctx, rec)
//	recent, _ := store.List(ctx, memory.ListOpts{Limit: 20})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlInterviewSessions = `
CREATE TABLE IF NOT EXISTS interview_sessions (
    id          TEXT         PRIMARY KEY,
    plan_title  TEXT         NOT NULL DEFAULT '',
    language    TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    end_reason  TEXT         NOT NULL DEFAULT '',
    error       TEXT         NOT NULL DEFAULT '',
    transcript  JSONB        NOT NULL DEFAULT '[]',
    analysis    JSONB
);

CREATE INDEX IF NOT EXISTS idx_interview_sessions_started_at
    ON interview_sessions (started_at DESC);

CREATE INDEX IF NOT EXISTS idx_interview_sessions_plan_title
    ON interview_sessions (plan_title);
`

// Migrate creates or ensures all required database tables exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlInterviewSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
