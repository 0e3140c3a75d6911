package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"callflow-platform/pkg/utils"
)

// PostgresRepo is the durable Store. Statements run against q, which is the
// pool outside InTx and the transaction inside it.
type PostgresRepo struct {
	db *sql.DB
	q  utils.Querier
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, q: db}
}

func (r *PostgresRepo) InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	if r.db == nil {
		return errors.New("workflow: postgres repo already in a transaction")
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &PostgresRepo{q: tx})
	})
}

// mapUniqueViolation turns the active/draft partial-index violations into
// ErrDeploymentConflict.
func mapUniqueViolation(err error) error {
	if constraint, ok := utils.UniqueViolation(err); ok {
		return fmt.Errorf("%w: %s", ErrDeploymentConflict, constraint)
	}
	return err
}

func (r *PostgresRepo) CreateWorkflow(ctx context.Context, w Workflow) error {
	const q = `
INSERT INTO workflows (id, workspace_id, name, description, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := r.q.ExecContext(ctx, q, w.ID, w.WorkspaceID, w.Name, w.Description, w.Status, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r *PostgresRepo) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	const q = `
SELECT id, workspace_id, name, description, status, created_at, updated_at
FROM workflows
WHERE id = $1
`
	return scanWorkflow(r.q.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) LockWorkflow(ctx context.Context, id string) (Workflow, error) {
	// Serializes deploys of the same workflow.
	const q = `
SELECT id, workspace_id, name, description, status, created_at, updated_at
FROM workflows
WHERE id = $1
FOR UPDATE
`
	return scanWorkflow(r.q.QueryRowContext(ctx, q, id))
}

func scanWorkflow(row *sql.Row) (Workflow, error) {
	var w Workflow
	if err := row.Scan(&w.ID, &w.WorkspaceID, &w.Name, &w.Description, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, err
	}
	return w, nil
}

func (r *PostgresRepo) UpdateWorkflow(ctx context.Context, w Workflow) error {
	const q = `
UPDATE workflows SET name = $2, description = $3, status = $4, updated_at = $5
WHERE id = $1
`
	res, err := r.q.ExecContext(ctx, q, w.ID, w.Name, w.Description, w.Status, w.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const versionColumns = `id, workflow_id, version_number, active, draft, published_at, created_at`

func scanVersion(scan func(dest ...any) error) (Version, error) {
	var (
		v         Version
		published sql.NullTime
	)
	if err := scan(&v.ID, &v.WorkflowID, &v.Number, &v.Active, &v.Draft, &published, &v.CreatedAt); err != nil {
		return Version{}, err
	}
	if published.Valid {
		t := published.Time
		v.PublishedAt = &t
	}
	return v, nil
}

func (r *PostgresRepo) ListVersions(ctx context.Context, workflowID string) ([]Version, error) {
	q := `SELECT ` + versionColumns + ` FROM workflow_versions WHERE workflow_id = $1 ORDER BY version_number`
	rows, err := r.q.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetVersion(ctx context.Context, id string) (Version, error) {
	q := `SELECT ` + versionColumns + ` FROM workflow_versions WHERE id = $1`
	v, err := scanVersion(r.q.QueryRowContext(ctx, q, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, ErrNotFound
		}
		return Version{}, err
	}
	return r.loadGraph(ctx, v)
}

func (r *PostgresRepo) FindVersion(ctx context.Context, workflowID string, flag VersionFlag) (Version, bool, error) {
	column := "active"
	if flag == FlagDraft {
		column = "draft"
	}
	q := `SELECT ` + versionColumns + ` FROM workflow_versions WHERE workflow_id = $1 AND ` + column + ` = TRUE`
	v, err := scanVersion(r.q.QueryRowContext(ctx, q, workflowID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, false, nil
		}
		return Version{}, false, err
	}
	v, err = r.loadGraph(ctx, v)
	if err != nil {
		return Version{}, false, err
	}
	return v, true, nil
}

func (r *PostgresRepo) loadGraph(ctx context.Context, v Version) (Version, error) {
	const nq = `
SELECT id, version_id, type, label, pos_x, pos_y, is_entry, config
FROM workflow_nodes
WHERE version_id = $1
ORDER BY ordinal
`
	rows, err := r.q.QueryContext(ctx, nq, v.ID)
	if err != nil {
		return Version{}, err
	}
	v.Nodes = make([]Node, 0)
	for rows.Next() {
		var (
			n   Node
			cfg []byte
		)
		if err := rows.Scan(&n.ID, &n.VersionID, &n.Type, &n.Label, &n.Position.X, &n.Position.Y, &n.IsEntry, &cfg); err != nil {
			rows.Close()
			return Version{}, err
		}
		if len(cfg) > 0 {
			n.Config = json.RawMessage(cfg)
		}
		v.Nodes = append(v.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Version{}, err
	}
	rows.Close()

	const eq = `
SELECT id, version_id, source_node_id, source_port, target_node_id
FROM workflow_edges
WHERE version_id = $1
ORDER BY ordinal
`
	rows, err = r.q.QueryContext(ctx, eq, v.ID)
	if err != nil {
		return Version{}, err
	}
	defer rows.Close()
	v.Edges = make([]Edge, 0)
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.VersionID, &e.SourceNodeID, &e.SourcePort, &e.TargetNodeID); err != nil {
			return Version{}, err
		}
		v.Edges = append(v.Edges, e)
	}
	return v, rows.Err()
}

func (r *PostgresRepo) InsertVersion(ctx context.Context, v Version) error {
	const q = `
INSERT INTO workflow_versions (id, workflow_id, version_number, active, draft, published_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	if _, err := r.q.ExecContext(ctx, q, v.ID, v.WorkflowID, v.Number, v.Active, v.Draft, v.PublishedAt, v.CreatedAt); err != nil {
		return mapUniqueViolation(err)
	}
	for _, n := range v.Nodes {
		n.VersionID = v.ID
		if err := r.UpsertNode(ctx, n); err != nil {
			return err
		}
	}
	for _, e := range v.Edges {
		e.VersionID = v.ID
		if err := r.UpsertEdge(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepo) UpdateVersionFlags(ctx context.Context, v Version) error {
	const q = `
UPDATE workflow_versions SET active = $2, draft = $3, published_at = $4
WHERE id = $1
`
	res, err := r.q.ExecContext(ctx, q, v.ID, v.Active, v.Draft, v.PublishedAt)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return requireRow(res)
}

func (r *PostgresRepo) UpsertNode(ctx context.Context, n Node) error {
	// ordinal keeps declaration order stable; it is assigned on first insert.
	const q = `
INSERT INTO workflow_nodes (id, version_id, type, label, pos_x, pos_y, is_entry, config, ordinal)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,
  (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM workflow_nodes WHERE version_id = $2))
ON CONFLICT (version_id, id)
DO UPDATE SET type = EXCLUDED.type,
              label = EXCLUDED.label,
              pos_x = EXCLUDED.pos_x,
              pos_y = EXCLUDED.pos_y,
              is_entry = EXCLUDED.is_entry,
              config = EXCLUDED.config
`
	var cfg []byte
	if len(n.Config) > 0 {
		cfg = n.Config
	}
	_, err := r.q.ExecContext(ctx, q, n.ID, n.VersionID, n.Type, n.Label, n.Position.X, n.Position.Y, n.IsEntry, cfg)
	return err
}

func (r *PostgresRepo) DeleteNode(ctx context.Context, versionID, nodeID string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM workflow_nodes WHERE version_id = $1 AND id = $2`, versionID, nodeID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *PostgresRepo) UpsertEdge(ctx context.Context, e Edge) error {
	const q = `
INSERT INTO workflow_edges (id, version_id, source_node_id, source_port, target_node_id, ordinal)
VALUES ($1,$2,$3,$4,$5,
  (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM workflow_edges WHERE version_id = $2))
ON CONFLICT (version_id, id)
DO UPDATE SET source_node_id = EXCLUDED.source_node_id,
              source_port = EXCLUDED.source_port,
              target_node_id = EXCLUDED.target_node_id
`
	_, err := r.q.ExecContext(ctx, q, e.ID, e.VersionID, e.SourceNodeID, e.SourcePort, e.TargetNodeID)
	return err
}

func (r *PostgresRepo) DeleteEdge(ctx context.Context, versionID, edgeID string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM workflow_edges WHERE version_id = $1 AND id = $2`, versionID, edgeID)
	if err != nil {
		return err
	}
	return requireRow(res)
}
