package snapshot

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/vkrunner/runner/internal/domain"
)

type fakeStore struct {
	states map[string]domain.ExecutionProcessRepoState
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]domain.ExecutionProcessRepoState)}
}

func (f *fakeStore) RecordRepoState(_ context.Context, state domain.ExecutionProcessRepoState) error {
	f.states[state.ExecutionID+"/"+state.RepoID] = state
	return nil
}

func (f *fakeStore) RepoStatesForExecution(_ context.Context, executionID string) ([]domain.ExecutionProcessRepoState, error) {
	var out []domain.ExecutionProcessRepoState
	for _, st := range f.states {
		if st.ExecutionID == executionID {
			out = append(out, st)
		}
	}
	return out, nil
}

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
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0644)
	run("add", ".")
	run("commit", "-m", "one")
	return dir
}

func TestCaptureBeforeAndAfter(t *testing.T) {
	dir := initRepo(t)
	store := newFakeStore()
	svc := New(store)
	ctx := context.Background()

	before, err := svc.CaptureBefore(ctx, "exec-1", "repo-1", dir)
	if err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command("git", "commit", "--allow-empty", "-m", "two")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("commit: %s: %v", out, err)
	}

	after, err := svc.CaptureAfter(ctx, "exec-1", "repo-1", dir)
	if err != nil {
		t.Fatal(err)
	}

	if before == after {
		t.Fatal("expected before and after commits to differ")
	}

	states, err := store.RepoStatesForExecution(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].BeforeHeadCommit != before || states[0].AfterHeadCommit != after {
		t.Fatalf("unexpected recorded state: %+v", states)
	}
}

func TestResetSession(t *testing.T) {
	dir := initRepo(t)
	store := newFakeStore()
	svc := New(store)
	ctx := context.Background()

	before, err := svc.CaptureBefore(ctx, "exec-1", "repo-1", dir)
	if err != nil {
		t.Fatal(err)
	}

	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("2"), 0644)
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = dir
	cmd.Run()
	cmd = exec.Command("git", "commit", "-m", "three")
	cmd.Dir = dir
	cmd.Run()

	states, _ := store.RepoStatesForExecution(ctx, "exec-1")
	if err := svc.ResetSession(ctx, states, nil, map[string]string{"repo-1": dir}, false); err != nil {
		t.Fatal(err)
	}

	head := exec.Command("git", "rev-parse", "HEAD")
	head.Dir = dir
	out, _ := head.Output()
	if got := string(out); got[:len(before)] != before {
		t.Errorf("HEAD after reset = %q, want to start with %q", got, before)
	}
}

func TestResetSession_FallsBackToPriorExecutionAfterCommit(t *testing.T) {
	dir := initRepo(t)
	store := newFakeStore()
	svc := New(store)
	ctx := context.Background()

	priorAfter, err := svc.CaptureAfter(ctx, "exec-0", "repo-1", dir)
	if err != nil {
		t.Fatal(err)
	}
	priorStates, _ := store.RepoStatesForExecution(ctx, "exec-0")

	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("2"), 0644)
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Run()
	}
	run("add", ".")
	run("commit", "-m", "two")

	target := domain.ExecutionProcessRepoState{ExecutionID: "exec-1", RepoID: "repo-1"}
	if err := svc.ResetSession(ctx, []domain.ExecutionProcessRepoState{target}, priorStates, map[string]string{"repo-1": dir}, false); err != nil {
		t.Fatal(err)
	}

	head := exec.Command("git", "rev-parse", "HEAD")
	head.Dir = dir
	out, _ := head.Output()
	if got := string(out); got[:len(priorAfter)] != priorAfter {
		t.Errorf("HEAD after reset = %q, want to start with prior execution's after-commit %q", got, priorAfter)
	}
}

func TestResetSession_RejectsDirtyWorktreeUnlessForced(t *testing.T) {
	dir := initRepo(t)
	store := newFakeStore()
	svc := New(store)
	ctx := context.Background()

	before, err := svc.CaptureBefore(ctx, "exec-1", "repo-1", dir)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("uncommitted"), 0644)

	states, _ := store.RepoStatesForExecution(ctx, "exec-1")
	err = svc.ResetSession(ctx, states, nil, map[string]string{"repo-1": dir}, false)
	if !errors.Is(err, domain.ErrDirtyWorktree) {
		t.Fatalf("expected ErrDirtyWorktree, got %v", err)
	}

	if err := svc.ResetSession(ctx, states, nil, map[string]string{"repo-1": dir}, true); err != nil {
		t.Fatalf("expected forced reset to succeed, got %v", err)
	}

	head := exec.Command("git", "rev-parse", "HEAD")
	head.Dir = dir
	out, _ := head.Output()
	if got := string(out); got[:len(before)] != before {
		t.Errorf("HEAD after forced reset = %q, want to start with %q", got, before)
	}
}
