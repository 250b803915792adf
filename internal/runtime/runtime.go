// Package runtime is the runner-side glue for the vkrunner daemon: it
// takes an orchestrator already wired (in cmd/vkrunner) with the process
// supervisor, snapshot service, lease manager, queue broker and approval
// broker, resolves each intent's workspace repos to local worktrees
// through the worktree manager, and exposes the result as a
// dispatch.Executor the dispatch client drives directly.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vkrunner/runner/internal/config"
	"github.com/vkrunner/runner/internal/domain"
	"github.com/vkrunner/runner/internal/gitutil"
	"github.com/vkrunner/runner/internal/orchestrator"
	"github.com/vkrunner/runner/internal/protocol"
	"github.com/vkrunner/runner/internal/supervisor"
	"github.com/vkrunner/runner/internal/worktree"
)

// Store is the subset of the control-plane state store the runtime
// needs beyond what it hands to the orchestrator directly.
type Store interface {
	orchestrator.Store
	WorkspaceRepos(ctx context.Context, workspaceID string) ([]domain.WorkspaceRepo, error)
}

// Runtime wires every runner-side component together and implements
// dispatch.Executor. Leasing itself now happens per-execution inside
// the orchestrator (each step of the action chain claims its own
// lease), so Runtime no longer holds one lease for the whole turn.
type Runtime struct {
	cfg    *config.Config
	store  Store
	wt     *worktree.Manager
	orch   *orchestrator.Orchestrator
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Runtime from its already-constructed collaborators.
func New(cfg *config.Config, st Store, wt *worktree.Manager, orch *orchestrator.Orchestrator, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cfg: cfg, store: st, wt: wt, orch: orch, logger: logger, cancels: make(map[string]context.CancelFunc)}
}

// Execute implements dispatch.Executor. It resolves the intent's
// workspace repos to local worktrees and drives one orchestrator turn,
// streaming output through onLog. Leasing happens inside the
// orchestrator, per execution the turn ends up running.
func (rt *Runtime) Execute(ctx context.Context, intent protocol.IntentMessage, onLog func(stream, line string)) {
	logger := rt.logger.With(slog.String("executionId", intent.ExecutionID), slog.String("sessionId", intent.SessionID))

	runCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancels[intent.ExecutionID] = cancel
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		delete(rt.cancels, intent.ExecutionID)
		rt.mu.Unlock()
		cancel()
	}()

	repos, err := rt.store.WorkspaceRepos(runCtx, intent.WorkspaceID)
	if err != nil {
		logger.Warn("failed to load workspace repos", slog.Any("err", err))
		return
	}

	dirs := make(map[string]string, len(repos))
	for _, repo := range repos {
		origin := filepath.Join(rt.cfg.General.RepoCacheDir, repo.ID)
		if err := gitutil.EnsureClone(origin, repo.OriginURL); err != nil {
			logger.Warn("failed to ensure local clone", slog.String("repo", repo.Name), slog.Any("err", err))
			return
		}
		wtPath, err := rt.wt.EnsureWorktree(intent.WorkspaceID, repo, origin, intent.SessionID)
		if err != nil {
			logger.Warn("failed to ensure worktree", slog.String("repo", repo.Name), slog.Any("err", err))
			return
		}
		dirs[repo.ID] = wtPath
	}

	req := orchestrator.ChainRequest{
		SessionID:   intent.SessionID,
		WorkspaceID: intent.WorkspaceID,
		Repos:       repos,
		Dirs:        dirs,
		OnOutput: func(stream, line string) { onLog(stream, line) },
		CodingAgentOp: func(dir string, repo domain.WorkspaceRepo, prompt string) supervisor.Operation {
			command := intent.Params["command"]
			if prompt != "" {
				command = prompt
			}
			return supervisor.Operation{
				Kind:    supervisor.KindRunCodingAgent,
				Dir:     dir,
				Command: command,
				Args:    strings.Fields(intent.Params["args"]),
			}
		},
	}

	if err := rt.orch.RunTurn(runCtx, req); err != nil {
		logger.Warn("action chain failed", slog.Any("err", err))
	}
}

// Cancel implements dispatch.Executor.
func (rt *Runtime) Cancel(executionID string) {
	rt.mu.Lock()
	cancel, ok := rt.cancels[executionID]
	rt.mu.Unlock()
	if ok {
		cancel()
	}
}

// ReconcileOnStartup sweeps executions this runner still believes are
// running and drops any whose process is no longer alive.
func (rt *Runtime) ReconcileOnStartup(ctx context.Context, pidAlive func(pid int) bool) error {
	if err := rt.orch.SweepOrphans(ctx, pidAlive); err != nil {
		return fmt.Errorf("sweeping orphaned executions: %w", err)
	}
	return nil
}
