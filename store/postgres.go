package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alimasry/go-workflow-editor/workflow"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		version    INTEGER NOT NULL DEFAULT 0,
		public     BOOLEAN NOT NULL DEFAULT FALSE,
		graph      JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_versions (
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		number      INTEGER NOT NULL,
		graph       JSONB NOT NULL,
		node_count  INTEGER NOT NULL,
		edge_count  INTEGER NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (workflow_id, number)
	)`,
}

// PostgresStore implements WorkflowStore on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at url.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, id, name string) error {
	now := time.Now()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO workflows (id, name, graph, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO NOTHING`,
		id, name, workflow.Graph{}, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, id)
	}
	return nil
}

const selectWorkflow = `SELECT id, name, version, public, graph, created_at, updated_at FROM workflows`

func scanInfo(row pgx.Row) (*WorkflowInfo, error) {
	var info WorkflowInfo
	err := row.Scan(&info.ID, &info.Name, &info.Version, &info.Public, &info.Graph, &info.CreatedAt, &info.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*WorkflowInfo, error) {
	info, err := scanInfo(s.pool.QueryRow(ctx, selectWorkflow+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return info, err
}

func (s *PostgresStore) List(ctx context.Context) ([]WorkflowInfo, error) {
	rows, err := s.pool.Query(ctx, selectWorkflow+` ORDER BY id COLLATE "C"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WorkflowInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	return result, rows.Err()
}

// lockWorkflow loads the workflow row for update inside tx.
func lockWorkflow(ctx context.Context, tx pgx.Tx, id string) (*WorkflowInfo, error) {
	info, err := scanInfo(tx.QueryRow(ctx, selectWorkflow+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return info, err
}

func (s *PostgresStore) SaveVersion(ctx context.Context, id string, g workflow.Graph) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	info, err := lockWorkflow(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	number := info.Version + 1
	now := time.Now()
	if _, err := tx.Exec(ctx,
		`INSERT INTO workflow_versions (workflow_id, number, graph, node_count, edge_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, number, g, len(g.Nodes), len(g.Edges), now); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE workflows SET version = $2, graph = $3, updated_at = $4 WHERE id = $1`,
		id, number, g, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return number, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, id string) ([]VersionSummary, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT number, node_count, edge_count, created_at FROM workflow_versions
		 WHERE workflow_id = $1 ORDER BY number DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []VersionSummary{}
	for rows.Next() {
		var v VersionSummary
		if err := rows.Scan(&v.Number, &v.NodeCount, &v.EdgeCount, &v.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string, number int) (*Version, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	var v Version
	err := s.pool.QueryRow(ctx,
		`SELECT number, graph, created_at FROM workflow_versions WHERE workflow_id = $1 AND number = $2`,
		id, number).Scan(&v.Number, &v.Graph, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) RestoreVersion(ctx context.Context, id string, number int) (*WorkflowInfo, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	info, err := lockWorkflow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if info.Public {
		return nil, fmt.Errorf("%w: unpublish %q before restoring", ErrPublicWorkflow, id)
	}
	var g workflow.Graph
	err = tx.QueryRow(ctx,
		`SELECT graph FROM workflow_versions WHERE workflow_id = $1 AND number = $2`,
		id, number).Scan(&g)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q v%d", ErrVersionNotFound, id, number)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM workflow_versions WHERE workflow_id = $1 AND number > $2`, id, number); err != nil {
		return nil, err
	}
	now := time.Now()
	if _, err := tx.Exec(ctx,
		`UPDATE workflows SET version = $2, graph = $3, updated_at = $4 WHERE id = $1`,
		id, number, g, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	info.Version = number
	info.Graph = g
	info.UpdatedAt = now
	return info, nil
}

func (s *PostgresStore) SetPublic(ctx context.Context, id string, public bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET public = $2, updated_at = $3 WHERE id = $1`, id, public, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
