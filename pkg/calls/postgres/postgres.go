// Package postgres provides a PostgreSQL-backed calls.Repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/salescoach/pkg/calls"
	"github.com/MrWong99/salescoach/pkg/types"
)

// Schema is the SQL DDL for the repository tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id    TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS scripts (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL DEFAULT '',
    steps      JSONB NOT NULL DEFAULT '[]',
    objections JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS calls (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    script_id   TEXT NOT NULL DEFAULT '',
    platform    TEXT NOT NULL DEFAULT '',
    external_id TEXT NOT NULL DEFAULT '',
    lead_name   TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'active',
    transcript  JSONB NOT NULL DEFAULT '[]',
    started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_calls_user_external ON calls(user_id, external_id);
CREATE INDEX IF NOT EXISTS idx_calls_user_status_started ON calls(user_id, status, started_at DESC);

CREATE TABLE IF NOT EXISTS call_summaries (
    call_id      TEXT PRIMARY KEY REFERENCES calls(id) ON DELETE CASCADE,
    user_id      TEXT NOT NULL,
    script_id    TEXT NOT NULL DEFAULT '',
    outcome      TEXT NOT NULL DEFAULT 'unknown',
    summary      TEXT NOT NULL DEFAULT '',
    strengths    JSONB NOT NULL DEFAULT '[]',
    improvements JSONB NOT NULL DEFAULT '[]',
    objections   JSONB NOT NULL DEFAULT '[]',
    score        INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS objection_metrics (
    objection_id TEXT NOT NULL,
    script_id    TEXT NOT NULL,
    converted    INTEGER NOT NULL DEFAULT 0,
    lost         INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (objection_id, script_id)
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [calls.Repository] backed by PostgreSQL. Transcripts, script
// steps and objections are stored as JSONB.
type Store struct {
	db DB
}

var _ calls.Repository = (*Store)(nil)

// New creates a Store on the given connection or pool. Call [Store.Migrate]
// before issuing queries against a fresh database.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("calls/postgres: migrate: %w", err)
	}
	return nil
}

// GetProfile implements [calls.Repository].
func (s *Store) GetProfile(ctx context.Context, userID string) (*calls.Profile, error) {
	const query = `SELECT user_id, name FROM profiles WHERE user_id = $1`
	var p calls.Profile
	if err := s.db.QueryRow(ctx, query, userID).Scan(&p.UserID, &p.Name); err != nil {
		return nil, notFound(err, "get profile", userID)
	}
	return &p, nil
}

// GetScript implements [calls.Repository].
func (s *Store) GetScript(ctx context.Context, scriptID string) (*calls.Script, error) {
	const query = `SELECT id, user_id, name, steps, objections FROM scripts WHERE id = $1`
	var (
		sc                 calls.Script
		stepsJSON, objJSON []byte
	)
	err := s.db.QueryRow(ctx, query, scriptID).Scan(&sc.ID, &sc.UserID, &sc.Name, &stepsJSON, &objJSON)
	if err != nil {
		return nil, notFound(err, "get script", scriptID)
	}
	if err := json.Unmarshal(stepsJSON, &sc.Steps); err != nil {
		return nil, fmt.Errorf("calls/postgres: unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(objJSON, &sc.Objections); err != nil {
		return nil, fmt.Errorf("calls/postgres: unmarshal objections: %w", err)
	}
	return &sc, nil
}

// CreateCall implements [calls.Repository].
func (s *Store) CreateCall(ctx context.Context, c *calls.Call) error {
	transcript, err := marshalTranscript(c.Transcript)
	if err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = calls.StatusActive
	}
	started := c.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	const query = `
		INSERT INTO calls (id, user_id, script_id, platform, external_id, lead_name, status, transcript, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING started_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		c.ID, c.UserID, c.ScriptID, c.Platform, c.ExternalID, c.LeadName,
		string(c.Status), transcript, started,
	).Scan(&c.StartedAt, &c.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("calls/postgres: call %q already exists", c.ID)
		}
		return fmt.Errorf("calls/postgres: create call: %w", err)
	}
	return nil
}

const callColumns = `id, user_id, script_id, platform, external_id, lead_name, status, transcript, started_at, ended_at, updated_at`

// GetCall implements [calls.Repository].
func (s *Store) GetCall(ctx context.Context, callID string) (*calls.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(s.db.QueryRow(ctx, query, callID))
	if err != nil {
		return nil, notFound(err, "get call", callID)
	}
	return c, nil
}

// FindByExternalID implements [calls.Repository].
func (s *Store) FindByExternalID(ctx context.Context, userID, externalID string) (*calls.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls
		WHERE user_id = $1 AND external_id = $2 AND external_id <> ''
		ORDER BY started_at DESC LIMIT 1`
	c, err := scanCall(s.db.QueryRow(ctx, query, userID, externalID))
	if err != nil {
		return nil, notFound(err, "find by external id", externalID)
	}
	return c, nil
}

// RecentActiveCall implements [calls.Repository].
func (s *Store) RecentActiveCall(ctx context.Context, userID string, since time.Time) (*calls.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls
		WHERE user_id = $1 AND status = $2 AND started_at >= $3
		ORDER BY started_at DESC LIMIT 1`
	c, err := scanCall(s.db.QueryRow(ctx, query, userID, string(calls.StatusActive), since))
	if err != nil {
		return nil, notFound(err, "recent active call", userID)
	}
	return c, nil
}

// UpdateCall implements [calls.Repository].
func (s *Store) UpdateCall(ctx context.Context, c *calls.Call) error {
	transcript, err := marshalTranscript(c.Transcript)
	if err != nil {
		return err
	}
	var ended *time.Time
	if !c.EndedAt.IsZero() {
		ended = &c.EndedAt
	}

	const query = `
		UPDATE calls SET
			status = $2, lead_name = $3, transcript = $4, ended_at = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query, c.ID, string(c.Status), c.LeadName, transcript, ended).Scan(&c.UpdatedAt)
	if err != nil {
		return notFound(err, "update call", c.ID)
	}
	return nil
}

// SaveTranscript implements [calls.Repository].
func (s *Store) SaveTranscript(ctx context.Context, callID string, transcript []types.TranscriptEntry) error {
	raw, err := marshalTranscript(transcript)
	if err != nil {
		return err
	}
	const query = `UPDATE calls SET transcript = $2, updated_at = now() WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, callID, raw)
	if err != nil {
		return fmt.Errorf("calls/postgres: save transcript %q: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("calls/postgres: save transcript %q: %w", callID, calls.ErrNotFound)
	}
	return nil
}

// InsertSummary implements [calls.Repository]. A second summary for the same
// call replaces the first.
func (s *Store) InsertSummary(ctx context.Context, sum *calls.Summary) error {
	strengths, err := json.Marshal(emptySlice(sum.Strengths))
	if err != nil {
		return fmt.Errorf("calls/postgres: marshal strengths: %w", err)
	}
	improvements, err := json.Marshal(emptySlice(sum.Improvements))
	if err != nil {
		return fmt.Errorf("calls/postgres: marshal improvements: %w", err)
	}
	objections, err := json.Marshal(emptySlice(sum.Objections))
	if err != nil {
		return fmt.Errorf("calls/postgres: marshal objections: %w", err)
	}

	const query = `
		INSERT INTO call_summaries (
			call_id, user_id, script_id, outcome, summary, strengths, improvements, objections, score
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (call_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			summary = EXCLUDED.summary,
			strengths = EXCLUDED.strengths,
			improvements = EXCLUDED.improvements,
			objections = EXCLUDED.objections,
			score = EXCLUDED.score
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query,
		sum.CallID, sum.UserID, sum.ScriptID, string(sum.Outcome), sum.Summary,
		strengths, improvements, objections, sum.Score,
	).Scan(&sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("calls/postgres: insert summary %q: %w", sum.CallID, err)
	}
	return nil
}

// GetMetric implements [calls.Repository].
func (s *Store) GetMetric(ctx context.Context, objectionID, scriptID string) (calls.Metric, error) {
	const query = `SELECT converted, lost FROM objection_metrics WHERE objection_id = $1 AND script_id = $2`
	m := calls.Metric{ObjectionID: objectionID, ScriptID: scriptID}
	err := s.db.QueryRow(ctx, query, objectionID, scriptID).Scan(&m.Converted, &m.Lost)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return m, fmt.Errorf("calls/postgres: get metric %q/%q: %w", objectionID, scriptID, err)
	}
	return m, nil
}

// RecordObjectionOutcome implements [calls.Repository].
func (s *Store) RecordObjectionOutcome(ctx context.Context, objectionID, scriptID string, converted bool) error {
	var conv, lost int
	if converted {
		conv = 1
	} else {
		lost = 1
	}
	const query = `
		INSERT INTO objection_metrics (objection_id, script_id, converted, lost)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (objection_id, script_id) DO UPDATE SET
			converted = objection_metrics.converted + EXCLUDED.converted,
			lost = objection_metrics.lost + EXCLUDED.lost`
	if _, err := s.db.Exec(ctx, query, objectionID, scriptID, conv, lost); err != nil {
		return fmt.Errorf("calls/postgres: record outcome %q/%q: %w", objectionID, scriptID, err)
	}
	return nil
}

func scanCall(row pgx.Row) (*calls.Call, error) {
	var (
		c          calls.Call
		status     string
		transcript []byte
		ended      *time.Time
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.ScriptID, &c.Platform, &c.ExternalID, &c.LeadName,
		&status, &transcript, &c.StartedAt, &ended, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = calls.Status(status)
	if ended != nil {
		c.EndedAt = *ended
	}
	if err := json.Unmarshal(transcript, &c.Transcript); err != nil {
		return nil, fmt.Errorf("calls/postgres: unmarshal transcript: %w", err)
	}
	return &c, nil
}

func marshalTranscript(t []types.TranscriptEntry) ([]byte, error) {
	if t == nil {
		t = []types.TranscriptEntry{}
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("calls/postgres: marshal transcript: %w", err)
	}
	return raw, nil
}

// notFound maps pgx.ErrNoRows to calls.ErrNotFound and wraps everything else.
func notFound(err error, op, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("calls/postgres: %s %q: %w", op, id, calls.ErrNotFound)
	}
	return fmt.Errorf("calls/postgres: %s %q: %w", op, id, err)
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice, so JSON
// marshalling produces "[]" instead of "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
