package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	"callflow-platform/internal/engine"
	"callflow-platform/pkg/utils"
)

// Archive keeps sessions that reached a terminal state. Saving the same
// session twice overwrites the first copy.
type Archive interface {
	Save(ctx context.Context, s Session) error
	FindByProviderCallID(ctx context.Context, providerCallID string) (Session, error)
}

type MemoryArchive struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{sessions: map[string]Session{}}
}

func (a *MemoryArchive) Save(_ context.Context, s Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.ProviderCallID] = s.clone()
	return nil
}

func (a *MemoryArchive) FindByProviderCallID(_ context.Context, providerCallID string) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[providerCallID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.clone(), nil
}

// PostgresArchive writes to call_sessions (migrations/001_init.sql).
type PostgresArchive struct {
	q utils.Querier
}

func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{q: db}
}

func (a *PostgresArchive) Save(ctx context.Context, s Session) error {
	vars, err := json.Marshal(s.Vars)
	if err != nil {
		return err
	}
	trace, err := json.Marshal(s.Cursor.Trace)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO call_sessions (
  id, workspace_id, provider_call_id, workflow_id, version_id, direction, from_number, to_number,
  status, outcome, failure_reason, variables, trace, recording_url, duration_seconds,
  created_at, answered_at, ended_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)
ON CONFLICT (provider_call_id)
DO UPDATE SET status = EXCLUDED.status,
              outcome = EXCLUDED.outcome,
              failure_reason = EXCLUDED.failure_reason,
              variables = EXCLUDED.variables,
              trace = EXCLUDED.trace,
              recording_url = EXCLUDED.recording_url,
              duration_seconds = EXCLUDED.duration_seconds,
              ended_at = EXCLUDED.ended_at
`
	_, err = a.q.ExecContext(ctx, q,
		s.ID,
		s.WorkspaceID,
		s.ProviderCallID,
		s.WorkflowID,
		s.VersionID,
		s.Direction,
		s.From,
		s.To,
		s.State,
		s.Outcome,
		s.FailureReason,
		vars,
		trace,
		s.RecordingURL,
		int(s.DurationMs()/1000),
		s.CreatedAt,
		s.AnsweredAt,
		s.EndedAt,
	)
	return err
}

func (a *PostgresArchive) FindByProviderCallID(ctx context.Context, providerCallID string) (Session, error) {
	const q = `
SELECT id, workspace_id, provider_call_id, workflow_id, version_id, direction, from_number, to_number,
       status, outcome, failure_reason, variables, trace, recording_url, created_at, answered_at, ended_at
FROM call_sessions
WHERE provider_call_id = $1
`
	var (
		s               Session
		vars, trace     []byte
		answered, ended sql.NullTime
	)
	err := a.q.QueryRowContext(ctx, q, providerCallID).Scan(
		&s.ID,
		&s.WorkspaceID,
		&s.ProviderCallID,
		&s.WorkflowID,
		&s.VersionID,
		&s.Direction,
		&s.From,
		&s.To,
		&s.State,
		&s.Outcome,
		&s.FailureReason,
		&vars,
		&trace,
		&s.RecordingURL,
		&s.CreatedAt,
		&answered,
		&ended,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if err := json.Unmarshal(vars, &s.Vars); err != nil {
		return Session{}, err
	}
	var steps []engine.Step
	if err := json.Unmarshal(trace, &steps); err != nil {
		return Session{}, err
	}
	s.Cursor = engine.Cursor{Trace: steps, Done: true}
	if answered.Valid {
		t := answered.Time
		s.AnsweredAt = &t
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return s, nil
}
