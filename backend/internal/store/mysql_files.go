package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const mysqlFilesSchema = `CREATE TABLE IF NOT EXISTS workspace_files (
	workspace_id VARCHAR(191) NOT NULL,
	file_path    VARCHAR(512) NOT NULL,
	content      LONGTEXT     NOT NULL,
	updated_at   TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	PRIMARY KEY (workspace_id, file_path)
)`

// SQLFileStore 把文件内容存在 MySQL 的 workspace_files 表
type SQLFileStore struct{ db *sql.DB }

func NewSQLFileStore(db *sql.DB) *SQLFileStore {
	return &SQLFileStore{db: db}
}

func (s *SQLFileStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, mysqlFilesSchema)
	return err
}

func (s *SQLFileStore) LoadFile(ctx context.Context, workspaceID, filePath string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM workspace_files WHERE workspace_id = ? AND file_path = ?`,
		workspaceID, filePath,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%s", ErrFileNotFound, workspaceID, filePath)
	}
	return content, err
}

func (s *SQLFileStore) SaveFile(ctx context.Context, workspaceID, filePath, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_files (workspace_id, file_path, content)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE content = VALUES(content)`,
		workspaceID, filePath, content,
	)
	return err
}
