package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrInvalidPath  = errors.New("invalid workspace or file path")
)

// LocalFileStore 把文件保存在 root/{workspaceId}/{filePath}
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &LocalFileStore{root: abs}, nil
}

// resolve 返回文件的绝对路径，拒绝逃出工作区目录的路径
func (s *LocalFileStore) resolve(workspaceID, filePath string) (string, error) {
	if workspaceID == "" || workspaceID == "." || workspaceID == ".." ||
		strings.ContainsAny(workspaceID, `/\`) {
		return "", fmt.Errorf("%w: workspace %q", ErrInvalidPath, workspaceID)
	}
	wsDir := filepath.Join(s.root, workspaceID)
	rel := strings.TrimLeft(filepath.FromSlash(filePath), `/\`)
	full := filepath.Join(wsDir, rel)
	if full == wsDir || !strings.HasPrefix(full, wsDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, filePath)
	}
	return full, nil
}

func (s *LocalFileStore) LoadFile(ctx context.Context, workspaceID, filePath string) (string, error) {
	full, err := s.resolve(workspaceID, filePath)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s/%s", ErrFileNotFound, workspaceID, filePath)
		}
		return "", err
	}
	return string(b), nil
}

// SaveFile 先写临时文件再 rename，读者不会看到写了一半的内容
func (s *LocalFileStore) SaveFile(ctx context.Context, workspaceID, filePath, content string) error {
	full, err := s.resolve(workspaceID, filePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".collab-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), full)
}
