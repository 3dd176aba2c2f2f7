package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalFileStore_RoundTrip(t *testing.T) {
	s, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFileStore: %v", err)
	}
	ctx := context.Background()

	if err := s.SaveFile(ctx, "ws1", "src/app/main.ts", "console.log(1)\n"); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	got, err := s.LoadFile(ctx, "ws1", "src/app/main.ts")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got != "console.log(1)\n" {
		t.Fatalf("LoadFile() = %q", got)
	}

	// 覆盖写
	if err := s.SaveFile(ctx, "ws1", "/src/app/main.ts", ""); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	got, _ = s.LoadFile(ctx, "ws1", "src/app/main.ts")
	if got != "" {
		t.Fatalf("LoadFile() after overwrite = %q, want empty", got)
	}

	entries, _ := os.ReadDir(filepath.Join(s.root, "ws1", "src", "app"))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestLocalFileStore_NotFound(t *testing.T) {
	s, _ := NewLocalFileStore(t.TempDir())
	_, err := s.LoadFile(context.Background(), "ws1", "missing.txt")
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("LoadFile(missing) = %v, want ErrFileNotFound", err)
	}
}

func TestLocalFileStore_RejectsTraversal(t *testing.T) {
	s, _ := NewLocalFileStore(t.TempDir())
	ctx := context.Background()
	cases := []struct{ ws, path string }{
		{"ws1", "../ws2/secret.txt"},
		{"ws1", "a/../../escape.txt"},
		{"ws1", ""},
		{"ws1", "."},
		{"..", "x.txt"},
		{"a/b", "x.txt"},
		{"", "x.txt"},
	}
	for _, c := range cases {
		if err := s.SaveFile(ctx, c.ws, c.path, "x"); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("SaveFile(%q, %q) = %v, want ErrInvalidPath", c.ws, c.path, err)
		}
		if _, err := s.LoadFile(ctx, c.ws, c.path); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("LoadFile(%q, %q) = %v, want ErrInvalidPath", c.ws, c.path, err)
		}
	}
}
