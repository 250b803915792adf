// Package snapshot records the before/after HEAD commit of every repo
// touched by an execution, giving the orchestrator a deterministic
// basis for resetting a session's worktrees.
package snapshot

import (
	"context"
	"fmt"

	"github.com/vkrunner/runner/internal/domain"
	"github.com/vkrunner/runner/internal/gitutil"
)

// Store is the subset of the control-plane state store snapshot needs.
type Store interface {
	RecordRepoState(ctx context.Context, state domain.ExecutionProcessRepoState) error
	RepoStatesForExecution(ctx context.Context, executionID string) ([]domain.ExecutionProcessRepoState, error)
}

// Service captures and applies repo snapshots around executions.
type Service struct {
	store Store
}

// New creates a Service backed by store.
func New(store Store) *Service {
	return &Service{store: store}
}

// CaptureBefore records the current HEAD of the repo at dir as the
// before-state for executionID/repoID.
func (s *Service) CaptureBefore(ctx context.Context, executionID, repoID, dir string) (string, error) {
	commit, err := gitutil.HeadCommit(dir)
	if err != nil {
		return "", fmt.Errorf("capturing before-state: %w", err)
	}
	if err := s.store.RecordRepoState(ctx, domain.ExecutionProcessRepoState{
		ExecutionID:      executionID,
		RepoID:           repoID,
		BeforeHeadCommit: commit,
	}); err != nil {
		return "", fmt.Errorf("persisting before-state: %w", err)
	}
	return commit, nil
}

// CaptureAfter records the current HEAD of the repo at dir as the
// after-state for executionID/repoID. The before-state, if already
// recorded, is preserved.
func (s *Service) CaptureAfter(ctx context.Context, executionID, repoID, dir string) (string, error) {
	commit, err := gitutil.HeadCommit(dir)
	if err != nil {
		return "", fmt.Errorf("capturing after-state: %w", err)
	}

	existing, err := s.store.RepoStatesForExecution(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("loading existing state: %w", err)
	}
	before := ""
	for _, st := range existing {
		if st.RepoID == repoID {
			before = st.BeforeHeadCommit
			break
		}
	}

	if err := s.store.RecordRepoState(ctx, domain.ExecutionProcessRepoState{
		ExecutionID:      executionID,
		RepoID:           repoID,
		BeforeHeadCommit: before,
		AfterHeadCommit:  commit,
	}); err != nil {
		return "", fmt.Errorf("persisting after-state: %w", err)
	}
	return commit, nil
}

// ResetSession resets every repo worktree named in states back to its
// recorded before-commit, in dirs keyed by repo ID. If a state's
// BeforeHeadCommit is empty, it falls back to the matching repo's
// AfterHeadCommit in fallback — the prior execution's recorded state.
// Repos with no entry in states are not reset. Unless force is set, a dirty
// worktree aborts the whole reset with domain.ErrDirtyWorktree rather
// than discarding uncommitted work silently.
func (s *Service) ResetSession(ctx context.Context, states, fallback []domain.ExecutionProcessRepoState, dirs map[string]string, force bool) error {
	fallbackAfter := make(map[string]string, len(fallback))
	for _, st := range fallback {
		fallbackAfter[st.RepoID] = st.AfterHeadCommit
	}

	for _, st := range states {
		dir, ok := dirs[st.RepoID]
		if !ok {
			continue
		}

		target := st.BeforeHeadCommit
		if target == "" {
			target = fallbackAfter[st.RepoID]
		}
		if target == "" {
			continue
		}

		if !force {
			clean, err := gitutil.IsClean(dir)
			if err != nil {
				return fmt.Errorf("checking worktree state for repo %s: %w", st.RepoID, err)
			}
			if !clean {
				return fmt.Errorf("repo %s has uncommitted changes: %w", st.RepoID, domain.ErrDirtyWorktree)
			}
		}

		if err := gitutil.ResetHard(dir, target); err != nil {
			return fmt.Errorf("resetting repo %s: %w", st.RepoID, err)
		}
	}
	return nil
}
