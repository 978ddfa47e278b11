package filestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestNewToken(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 100 {
		tok, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken() error = %v", err)
		}
		if len(tok) != 43 {
			t.Errorf("len(token) = %d, want 43", len(tok))
		}
		if !ValidToken(tok) {
			t.Errorf("ValidToken(%q) = false", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestValidToken_Rejects(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "abc", "../../etc/passwd", "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!"} {
		if ValidToken(s) {
			t.Errorf("ValidToken(%q) = true, want false", s)
		}
	}
}

func TestLocal_PutOpen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fs, err := NewLocal(root)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	ctx := context.Background()
	key := Key("tenant-1", "job-1")

	got, err := fs.Put(ctx, key, []byte("%PDF-1.7 first"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got != key {
		t.Errorf("Put() = %q, want %q", got, key)
	}

	// A second write for the same key replaces the first.
	if _, err := fs.Put(ctx, key, []byte("%PDF-1.7 second")); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}

	f, err := fs.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "%PDF-1.7 second" {
		t.Errorf("content = %q", data)
	}

	entries, err := os.ReadDir(filepath.Join(root, "tenant-1"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, found %d entries", len(entries))
	}
}

func TestLocal_OpenMissing(t *testing.T) {
	t.Parallel()

	fs, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	if _, err := fs.Open(context.Background(), "t/none.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
}

func TestLocal_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	fs, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	for _, key := range []string{"", "../outside.pdf", "/etc/passwd", "a/../../b.pdf"} {
		if _, err := fs.Put(context.Background(), key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}
