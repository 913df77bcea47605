package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWithRemovesDirectoryOnSuccess(t *testing.T) {
	mgr, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var seen string
	err = mgr.With("ctx-1", func(dir string) error {
		seen = dir
		return os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644)
	})
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed, stat err=%v", seen, err)
	}
}

func TestWithRemovesDirectoryOnFailure(t *testing.T) {
	mgr, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	boom := errors.New("boom")
	var seen string
	err = mgr.With("ctx-2", func(dir string) error {
		seen = dir
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed, stat err=%v", seen, err)
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	mgr, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := mgr.Cleanup(t.TempDir()); err == nil {
		t.Fatal("expected cleanup outside root to be refused")
	}
	if _, err := mgr.Prepare("../escape"); err == nil {
		t.Fatal("expected nested identifier to be refused")
	}
}
