package audit

import (
	"context"
	"database/sql"

	"callflow-platform/pkg/utils"
)

// PostgresRepo stores audit events in audit_events. Rows are only inserted.
type PostgresRepo struct {
	q utils.Querier
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{q: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	var meta any
	if e.Metadata != "" {
		meta = e.Metadata
	}
	const q = `
INSERT INTO audit_events (
  id, workspace_id, type, actor_user_id, actor_role, workflow_id, version_id, call_id, message, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err := r.q.ExecContext(ctx, q,
		e.ID, e.WorkspaceID, e.Type, e.ActorUserID, e.ActorRole,
		e.WorkflowID, e.VersionID, e.CallID, e.Message, meta, e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, workspaceID string, limit int) ([]Event, error) {
	const q = `
SELECT id, workspace_id, type, actor_user_id, actor_role, workflow_id, version_id, call_id, message,
       COALESCE(metadata::text, ''), created_at
FROM audit_events
WHERE workspace_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := r.q.QueryContext(ctx, q, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Type, &e.ActorUserID, &e.ActorRole,
			&e.WorkflowID, &e.VersionID, &e.CallID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
