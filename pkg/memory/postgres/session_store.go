package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/insightflow/pkg/memory"
)

const selectColumns = `id, plan_title, language, started_at, ended_at, end_reason, error, transcript, analysis`

// Save implements [memory.SessionStore]. A record with an existing ID is
// replaced.
func (s *Store) Save(ctx context.Context, rec memory.SessionRecord) error {
	if rec.ID == "" {
		return errors.New("session store: save: empty session id")
	}

	entries := rec.Transcript
	if entries == nil {
		entries = []memory.TranscriptEntry{}
	}
	transcript, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("session store: encode transcript: %w", err)
	}
	var analysis []byte
	if rec.Analysis != nil {
		if analysis, err = json.Marshal(rec.Analysis); err != nil {
			return fmt.Errorf("session store: encode analysis: %w", err)
		}
	}

	const q = `
		INSERT INTO interview_sessions
		    (id, plan_title, language, started_at, ended_at, end_reason, error, transcript, analysis)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    plan_title = EXCLUDED.plan_title,
		    language   = EXCLUDED.language,
		    started_at = EXCLUDED.started_at,
		    ended_at   = EXCLUDED.ended_at,
		    end_reason = EXCLUDED.end_reason,
		    error      = EXCLUDED.error,
		    transcript = EXCLUDED.transcript,
		    analysis   = EXCLUDED.analysis`

	_, err = s.pool.Exec(ctx, q,
		rec.ID,
		rec.PlanTitle,
		rec.Language,
		rec.StartedAt,
		rec.EndedAt,
		rec.EndReason,
		rec.Error,
		transcript,
		analysis,
	)
	if err != nil {
		return fmt.Errorf("session store: save: %w", err)
	}
	return nil
}

// Get implements [memory.SessionStore].
func (s *Store) Get(ctx context.Context, id string) (memory.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+selectColumns+" FROM interview_sessions WHERE id = $1", id)
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("session store: get: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.SessionRecord{}, fmt.Errorf("%w: %s", memory.ErrSessionNotFound, id)
	}
	if err != nil {
		return memory.SessionRecord{}, fmt.Errorf("session store: get: %w", err)
	}
	return rec, nil
}

// List implements [memory.SessionStore]. Records are ordered by start time,
// newest first.
func (s *Store) List(ctx context.Context, opts memory.ListOpts) ([]memory.SessionRecord, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if opts.PlanTitle != "" {
		conditions = append(conditions, "plan_title = "+next(opts.PlanTitle))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "started_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "started_at < "+next(opts.Before))
	}

	q := "SELECT " + selectColumns + "\nFROM   interview_sessions"
	if len(conditions) > 0 {
		q += "\nWHERE  " + strings.Join(conditions, "\n  AND  ")
	}
	q += "\nORDER  BY started_at DESC, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []memory.SessionRecord{}
	}
	return recs, nil
}

// scanRecord scans one interview_sessions row selected with selectColumns.
func scanRecord(row pgx.CollectableRow) (memory.SessionRecord, error) {
	var (
		rec        memory.SessionRecord
		transcript []byte
		analysis   []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.PlanTitle,
		&rec.Language,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.EndReason,
		&rec.Error,
		&transcript,
		&analysis,
	); err != nil {
		return memory.SessionRecord{}, err
	}
	if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
		return memory.SessionRecord{}, fmt.Errorf("decode transcript: %w", err)
	}
	if analysis != nil {
		rec.Analysis = &memory.Analysis{}
		if err := json.Unmarshal(analysis, rec.Analysis); err != nil {
			return memory.SessionRecord{}, fmt.Errorf("decode analysis: %w", err)
		}
	}
	return rec, nil
}
