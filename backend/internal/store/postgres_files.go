package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresFilesSchema = `CREATE TABLE IF NOT EXISTS workspace_files (
	workspace_id TEXT        NOT NULL,
	file_path    TEXT        NOT NULL,
	content      TEXT        NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workspace_id, file_path)
)`

// PostgresFileStore 与 SQLFileStore 表结构相同，基于 pgxpool
type PostgresFileStore struct{ pool *pgxpool.Pool }

func NewPostgresFileStore(pool *pgxpool.Pool) *PostgresFileStore {
	return &PostgresFileStore{pool: pool}
}

func (s *PostgresFileStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresFilesSchema)
	return err
}

func (s *PostgresFileStore) LoadFile(ctx context.Context, workspaceID, filePath string) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM workspace_files WHERE workspace_id = $1 AND file_path = $2`,
		workspaceID, filePath,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%s", ErrFileNotFound, workspaceID, filePath)
	}
	return content, err
}

func (s *PostgresFileStore) SaveFile(ctx context.Context, workspaceID, filePath, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspace_files (workspace_id, file_path, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, file_path)
		DO UPDATE SET content = EXCLUDED.content, updated_at = now()`,
		workspaceID, filePath, content,
	)
	return err
}
