package pathsafety_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/geilt/tairseach/internal/rpc/pathsafety"
)

func TestCheck_AllowsOrdinaryPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(file, []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	resolved, err := pathsafety.Check(file)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected a resolved path")
	}
}

func TestCheck_RejectsDeniedPrefix(t *testing.T) {
	if _, err := pathsafety.Check("/System/Library/CoreServices"); err == nil {
		t.Fatal("expected denied-prefix rejection")
	}
}

func TestCheck_FollowsSymlinkIntoDeniedLocation(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "escape")
	if err := os.Symlink("/System", link); err != nil {
		t.Skipf("cannot create symlink in this environment: %v", err)
	}

	if _, err := pathsafety.Check(link); err == nil {
		t.Fatal("expected symlink into denied location to be rejected")
	}
}
