package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/vkrunner/runner/internal/domain"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %s: %v", args, out, err)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestEnsureWorktree_CreatesAndReuses(t *testing.T) {
	repoDir := initRepo(t)
	root := t.TempDir()

	mgr, err := NewManager(root)
	if err != nil {
		t.Fatal(err)
	}

	repo := domain.WorkspaceRepo{ID: "repo-1", Name: "app"}
	wt1, err := mgr.EnsureWorktree("ws-1", repo, repoDir, "session-1")
	if err != nil {
		t.Fatalf("EnsureWorktree: %v", err)
	}
	if _, err := os.Stat(wt1); err != nil {
		t.Fatalf("worktree dir missing: %v", err)
	}

	wt2, err := mgr.EnsureWorktree("ws-1", repo, repoDir, "session-1")
	if err != nil {
		t.Fatalf("second EnsureWorktree: %v", err)
	}
	if wt1 != wt2 {
		t.Errorf("expected reuse of existing worktree, got %q then %q", wt1, wt2)
	}
}

func TestEnsureWorktree_RejectsEscapeOutsideManagedRoot(t *testing.T) {
	root := t.TempDir()
	mgr, err := NewManager(root)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.guardPath("/etc/passwd"); err == nil {
		t.Fatal("expected error for path outside managed root")
	}
}

func TestRemoveWorktree_RejectsDirty(t *testing.T) {
	repoDir := initRepo(t)
	root := t.TempDir()

	mgr, err := NewManager(root)
	if err != nil {
		t.Fatal(err)
	}

	repo := domain.WorkspaceRepo{ID: "repo-1", Name: "app"}
	wt, err := mgr.EnsureWorktree("ws-1", repo, repoDir, "session-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(wt, "dirty.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := mgr.RemoveWorktree("ws-1", repo.ID, repoDir, wt); err == nil {
		t.Fatal("expected dirty worktree error")
	}
}
