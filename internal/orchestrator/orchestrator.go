// Package orchestrator drives the execution state machine: for a
// session, it runs the setup -> coding_agent -> cleanup -> archive
// action chain, skipping any step the workspace repo has no script for,
// captures before/after repo snapshots around each step, gates the
// coding-agent step on human approval when the workspace requires it,
// leases each execution it starts, and either drains a queued follow-up
// as a new coding-agent turn or discards it depending on how the chain
// ended.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vkrunner/runner/internal/domain"
	"github.com/vkrunner/runner/internal/supervisor"
)

// Store is the subset of the control-plane state store the orchestrator
// needs.
type Store interface {
	StartExecution(ctx context.Context, exec domain.ExecutionProcess) error
	SetExecutionStatus(ctx context.Context, executionID string, to domain.ExecutionStatus, exitCode *int) error
	SetExecutionExecutor(ctx context.Context, executionID, runnerID string) error
	MarkQueuedFollowUpConsumed(ctx context.Context, executionID string) error
	GetExecution(ctx context.Context, id string) (domain.ExecutionProcess, error)
	RunningExecutions(ctx context.Context) ([]domain.ExecutionProcess, error)
	PriorExecution(ctx context.Context, sessionID string, before time.Time) (domain.ExecutionProcess, bool, error)
	ForceDropExecutionsFromStartedAt(ctx context.Context, sessionID string, from time.Time) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
	RepoStatesForExecution(ctx context.Context, executionID string) ([]domain.ExecutionProcessRepoState, error)
}

// Snapshotter is the subset of the repo snapshot service the
// orchestrator needs.
type Snapshotter interface {
	CaptureBefore(ctx context.Context, executionID, repoID, dir string) (string, error)
	CaptureAfter(ctx context.Context, executionID, repoID, dir string) (string, error)
	ResetSession(ctx context.Context, states, fallback []domain.ExecutionProcessRepoState, dirs map[string]string, force bool) error
}

// Runner is the subset of the process supervisor the orchestrator
// needs.
type Runner interface {
	Run(ctx context.Context, op supervisor.Operation, onOutput supervisor.OutputCallback) (*supervisor.Result, error)
}

// QueueBroker is the subset of the queue broker the orchestrator needs.
type QueueBroker interface {
	Consume(ctx context.Context, sessionID string) (domain.QueuedMessage, bool, error)
	Discard(ctx context.Context, sessionID string) error
}

// ApprovalBroker is the subset of the approval broker the orchestrator
// needs.
type ApprovalBroker interface {
	Request(ctx context.Context, workspaceID, sessionID, executionID, kind, prompt string) (domain.Approval, error)
}

// LeaseManager is the subset of the lease manager the orchestrator
// needs to claim one execution-scoped lease per step it runs.
type LeaseManager interface {
	Acquire(ctx context.Context, executionID, deviceID string) (domain.RunnerLease, error)
	Release(ctx context.Context, leaseID string) error
}

// Step is one planned stage of an action chain against one repo.
type Step struct {
	Reason domain.RunReason
	Repo   domain.WorkspaceRepo
	Dir    string
}

// ChainRequest is a request to run the full action chain for a session
// turn. CodingAgentOp is called with an empty prompt for the turn's
// initial coding-agent step and with a queued follow-up's body for
// every subsequent one the turn drains.
type ChainRequest struct {
	SessionID        string
	WorkspaceID      string
	Repos            []domain.WorkspaceRepo
	Dirs             map[string]string // repo ID -> worktree dir
	RequiresApproval bool
	CodingAgentOp    func(dir string, repo domain.WorkspaceRepo, prompt string) supervisor.Operation
	OnOutput         supervisor.OutputCallback
}

// Orchestrator is the Execution Orchestrator component.
type Orchestrator struct {
	store       Store
	snapshots   Snapshotter
	runner      Runner
	queue       QueueBroker
	approvals   ApprovalBroker
	leases      LeaseManager
	deviceID    string
	logger      *slog.Logger
	maxParallel int
}

// New creates an Orchestrator. Setup/cleanup/archive steps across a
// session's repos fan out up to 4 at a time by default; call
// WithMaxParallel to match config.GeneralConfig.MaxParallelRepos.
// leases may be nil, in which case executions run unleased — tests and
// the reset-only CLI path that never dispatches work concurrently take
// this shortcut.
func New(store Store, snapshots Snapshotter, runner Runner, queue QueueBroker, approvals ApprovalBroker, leases LeaseManager, deviceID string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: store, snapshots: snapshots, runner: runner, queue: queue, approvals: approvals, leases: leases, deviceID: deviceID, logger: logger, maxParallel: 4}
}

// WithMaxParallel sets the bound on concurrent script steps across
// repos within a single action-chain step.
func (o *Orchestrator) WithMaxParallel(n int) *Orchestrator {
	if n > 0 {
		o.maxParallel = n
	}
	return o
}

// RunTurn drives one full action chain for req. Once the chain's
// coding_agent execution completes successfully, RunTurn consumes the
// session's queued follow-up (if any) and starts it as a new
// coding_agent execution using the queued body as its prompt, repeating
// until the queue is empty. If the chain ends any other way — a script
// step failing, an approval being denied, or the coding_agent execution
// itself failing, being killed, or being dropped — any queued follow-up
// is discarded rather than run against a broken chain.
func (o *Orchestrator) RunTurn(ctx context.Context, req ChainRequest) error {
	execID, status, err := o.runChain(ctx, req)
	if err != nil {
		// A cancelled turn still discards: ctx may already be done.
		o.discardQueue(context.WithoutCancel(ctx), req.SessionID, execID)
		return err
	}

	for {
		if status != domain.ExecutionCompleted {
			o.discardQueue(context.WithoutCancel(ctx), req.SessionID, execID)
			return nil
		}

		consumed, nextID, nextStatus, err := o.drainFollowUp(ctx, req, execID)
		if err != nil {
			return err
		}
		if !consumed {
			return nil
		}
		execID, status = nextID, nextStatus
	}
}

// drainFollowUp consumes and runs the session's queued follow-up as a
// new coding_agent execution against the turn's primary repo, if execID
// has not already handled the queue and a message is waiting.
func (o *Orchestrator) drainFollowUp(ctx context.Context, req ChainRequest, execID string) (consumed bool, nextID string, nextStatus domain.ExecutionStatus, err error) {
	exec, err := o.store.GetExecution(ctx, execID)
	if err != nil {
		return false, "", "", fmt.Errorf("loading execution %s: %w", execID, err)
	}
	if exec.QueuedFollowUpConsumed {
		return false, "", "", nil
	}

	msg, ok, err := o.queue.Consume(ctx, req.SessionID)
	if err != nil {
		return false, "", "", fmt.Errorf("consuming queued follow-up: %w", err)
	}
	if err := o.store.MarkQueuedFollowUpConsumed(ctx, execID); err != nil {
		return false, "", "", fmt.Errorf("marking queued follow-up consumed: %w", err)
	}
	if !ok {
		return false, "", "", nil
	}

	o.logger.Info("consuming queued follow-up", slog.String("sessionId", req.SessionID), slog.String("queuedMessageId", msg.ID))

	repo := req.Repos[0]
	dir, ok := req.Dirs[repo.ID]
	if !ok {
		return false, "", "", fmt.Errorf("no worktree dir for primary repo %s", repo.ID)
	}
	followUpID, status, runErr := o.runOne(ctx, req, domain.ReasonCodingAgent, repo, dir, msg.Body)
	return true, followUpID, status, runErr
}

// discardQueue drops any queued follow-up left behind by a chain that
// did not end in a successful coding_agent completion.
func (o *Orchestrator) discardQueue(ctx context.Context, sessionID, execID string) {
	if err := o.queue.Discard(ctx, sessionID); err != nil {
		o.logger.Warn("failed to discard queued follow-up", slog.String("sessionId", sessionID), slog.Any("err", err))
	}
	if execID == "" {
		return
	}
	if err := o.store.MarkQueuedFollowUpConsumed(ctx, execID); err != nil {
		o.logger.Warn("failed to mark queued follow-up handled", slog.String("executionId", execID), slog.Any("err", err))
	}
}

// runChain runs the full action chain once and returns the ID and final
// status of the last coding_agent execution it ran, so RunTurn can
// decide whether to drain or discard the queue.
func (o *Orchestrator) runChain(ctx context.Context, req ChainRequest) (codingAgentExecID string, codingAgentStatus domain.ExecutionStatus, err error) {
	for _, reason := range domain.ActionChain {
		if reason == domain.ReasonCodingAgent {
			id, status, stepErr := o.runCodingAgentStep(ctx, req)
			if id != "" {
				codingAgentExecID, codingAgentStatus = id, status
			}
			if stepErr != nil {
				return codingAgentExecID, codingAgentStatus, stepErr
			}
			continue
		}
		if err := o.runScriptStep(ctx, req, reason); err != nil {
			return codingAgentExecID, codingAgentStatus, err
		}
	}
	return codingAgentExecID, codingAgentStatus, nil
}

func (o *Orchestrator) runCodingAgentStep(ctx context.Context, req ChainRequest) (string, domain.ExecutionStatus, error) {
	var lastID string
	var lastStatus domain.ExecutionStatus
	for _, repo := range req.Repos {
		dir, ok := req.Dirs[repo.ID]
		if !ok {
			continue
		}

		if req.RequiresApproval {
			execID := uuid.NewString()
			if err := o.store.SetSessionStatus(ctx, req.SessionID, domain.SessionNeedsAttention); err != nil {
				return lastID, lastStatus, fmt.Errorf("opening approval gate: %w", err)
			}
			prompt := fmt.Sprintf("allow the coding agent to run against %s?", repo.Name)
			approval, err := o.approvals.Request(ctx, req.WorkspaceID, req.SessionID, execID, "coding_agent_run", prompt)
			if err != nil {
				return lastID, lastStatus, fmt.Errorf("requesting approval: %w", err)
			}
			if approval.Status != domain.ApprovalApproved {
				if err := o.store.SetSessionStatus(ctx, req.SessionID, domain.SessionIdle); err != nil {
					o.logger.Warn("failed to close approval gate", slog.String("sessionId", req.SessionID), slog.Any("err", err))
				}
				return lastID, lastStatus, fmt.Errorf("%w: execution %s awaiting approval %s", domain.ErrNotAuthorized, execID, approval.ID)
			}
		}

		id, status, err := o.runOne(ctx, req, domain.ReasonCodingAgent, repo, dir, "")
		lastID, lastStatus = id, status
		if err != nil {
			return lastID, lastStatus, err
		}
	}
	return lastID, lastStatus, nil
}

func (o *Orchestrator) runScriptStep(ctx context.Context, req ChainRequest, reason domain.RunReason) error {
	// Script-based steps (setup/cleanup/archive) are independent across
	// repos, so they fan out together instead of running one at a time.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxParallel)
	for _, repo := range req.Repos {
		repo := repo
		dir, ok := req.Dirs[repo.ID]
		if !ok || scriptFor(reason, repo) == "" {
			continue
		}
		g.Go(func() error {
			_, _, err := o.runOne(gctx, req, reason, repo, dir, "")
			return err
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runOne(ctx context.Context, req ChainRequest, reason domain.RunReason, repo domain.WorkspaceRepo, dir, prompt string) (string, domain.ExecutionStatus, error) {
	execID := uuid.NewString()
	now := time.Now()
	exec := domain.ExecutionProcess{
		ID:          execID,
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		RunReason:   reason,
		Status:      domain.ExecutionPending,
		StartedAt:   &now,
	}
	if err := o.store.StartExecution(ctx, exec); err != nil {
		return execID, domain.ExecutionPending, fmt.Errorf("starting execution: %w", err)
	}
	o.projectSessionStatus(ctx, req.SessionID, domain.ExecutionPending)

	if o.leases != nil {
		lease, err := o.leases.Acquire(ctx, execID, o.deviceID)
		if err != nil {
			o.fail(ctx, req.SessionID, execID, err)
			return execID, domain.ExecutionFailed, err
		}
		defer func() {
			if err := o.leases.Release(ctx, lease.ID); err != nil {
				o.logger.Warn("failed to release execution lease", slog.String("executionId", execID), slog.Any("err", err))
			}
		}()
		if err := o.store.SetExecutionExecutor(ctx, execID, lease.RunnerID); err != nil {
			o.logger.Warn("failed to record execution executor", slog.String("executionId", execID), slog.Any("err", err))
		}
	}

	if _, err := o.snapshots.CaptureBefore(ctx, execID, repo.ID, dir); err != nil {
		o.fail(ctx, req.SessionID, execID, err)
		return execID, domain.ExecutionFailed, err
	}

	if err := o.store.SetExecutionStatus(ctx, execID, domain.ExecutionRunning, nil); err != nil {
		return execID, domain.ExecutionPending, fmt.Errorf("marking execution running: %w", err)
	}
	o.projectSessionStatus(ctx, req.SessionID, domain.ExecutionRunning)

	op, err := o.buildOperation(req, reason, repo, dir, prompt)
	if err != nil {
		o.fail(ctx, req.SessionID, execID, err)
		return execID, domain.ExecutionFailed, err
	}
	op.ExecutionID = execID

	result, runErr := o.runner.Run(ctx, op, req.OnOutput)

	if _, snapErr := o.snapshots.CaptureAfter(ctx, execID, repo.ID, dir); snapErr != nil {
		o.logger.Warn("failed to capture after-snapshot", slog.String("executionId", execID), slog.Any("err", snapErr))
	}

	if runErr != nil {
		o.fail(ctx, req.SessionID, execID, runErr)
		return execID, domain.ExecutionFailed, runErr
	}

	exitCode := result.ExitCode
	status := domain.ExecutionCompleted
	if exitCode != 0 {
		status = domain.ExecutionFailed
	}
	if err := o.store.SetExecutionStatus(ctx, execID, status, &exitCode); err != nil {
		return execID, status, fmt.Errorf("marking execution %s: %w", status, err)
	}
	o.projectSessionStatus(ctx, req.SessionID, status)
	if status == domain.ExecutionFailed {
		return execID, status, fmt.Errorf("%s exited %d for repo %s", reason, exitCode, repo.Name)
	}
	return execID, status, nil
}

func (o *Orchestrator) fail(ctx context.Context, sessionID, execID string, cause error) {
	if err := o.store.SetExecutionStatus(ctx, execID, domain.ExecutionFailed, nil); err != nil {
		o.logger.Warn("failed to mark execution failed", slog.String("executionId", execID), slog.Any("err", err))
	}
	o.projectSessionStatus(ctx, sessionID, domain.ExecutionFailed)
	o.logger.Warn("execution failed", slog.String("executionId", execID), slog.Any("err", cause))
}

// projectSessionStatus applies the monotonic execution-to-session status
// projection. Failures to patch the session are logged, not returned: a
// session-status write failure must never mask the execution outcome
// that triggered it.
func (o *Orchestrator) projectSessionStatus(ctx context.Context, sessionID string, execStatus domain.ExecutionStatus) {
	status := domain.SessionStatusForExecution(execStatus)
	if err := o.store.SetSessionStatus(ctx, sessionID, status); err != nil {
		o.logger.Warn("failed to project session status", slog.String("sessionId", sessionID), slog.Any("err", err))
	}
}

func (o *Orchestrator) buildOperation(req ChainRequest, reason domain.RunReason, repo domain.WorkspaceRepo, dir, prompt string) (supervisor.Operation, error) {
	if reason == domain.ReasonCodingAgent {
		if req.CodingAgentOp == nil {
			return supervisor.Operation{}, fmt.Errorf("no coding agent operation configured")
		}
		return req.CodingAgentOp(dir, repo, prompt), nil
	}

	kind := map[domain.RunReason]supervisor.Kind{
		domain.ReasonSetup:   supervisor.KindRunSetupScript,
		domain.ReasonCleanup: supervisor.KindRunCleanupScript,
		domain.ReasonArchive: supervisor.KindRunArchiveScript,
	}[reason]

	return supervisor.BuildOperation("", reason, kind, dir, repo, nil)
}

func scriptFor(reason domain.RunReason, repo domain.WorkspaceRepo) string {
	switch reason {
	case domain.ReasonSetup:
		return repo.SetupScript
	case domain.ReasonCleanup:
		return repo.CleanupScript
	case domain.ReasonArchive:
		return repo.ArchiveScript
	default:
		return ""
	}
}

// ResetSession reverts every repo touched by execID back to its
// recorded before-commit — falling back to the prior execution's
// after-commit if execID never captured one of its own — and drops
// execID along with every execution on the session that started at or
// after it, regardless of whether that execution had already reached
// some other terminal state. force is forwarded to the snapshot
// service's worktree-cleanliness check.
func (o *Orchestrator) ResetSession(ctx context.Context, sessionID, execID string, dirs map[string]string, force bool) error {
	target, err := o.store.GetExecution(ctx, execID)
	if err != nil {
		return fmt.Errorf("loading reset-point execution: %w", err)
	}
	if target.StartedAt == nil {
		return fmt.Errorf("reset-point execution %s never started", execID)
	}

	states, err := o.store.RepoStatesForExecution(ctx, execID)
	if err != nil {
		return fmt.Errorf("loading repo states: %w", err)
	}

	var fallback []domain.ExecutionProcessRepoState
	if prior, ok, err := o.store.PriorExecution(ctx, sessionID, *target.StartedAt); err != nil {
		return fmt.Errorf("loading prior execution: %w", err)
	} else if ok {
		fallback, err = o.store.RepoStatesForExecution(ctx, prior.ID)
		if err != nil {
			return fmt.Errorf("loading prior repo states: %w", err)
		}
	}

	if err := o.snapshots.ResetSession(ctx, states, fallback, dirs, force); err != nil {
		return fmt.Errorf("resetting worktrees: %w", err)
	}

	if err := o.store.ForceDropExecutionsFromStartedAt(ctx, sessionID, *target.StartedAt); err != nil {
		return fmt.Errorf("dropping executions from reset point: %w", err)
	}

	// A reset drops every execution at or after the reset point, so the
	// session's latest execution status is always terminal-dropped
	// afterward, which projects to idle.
	return o.store.SetSessionStatus(ctx, sessionID, domain.SessionStatusForExecution(domain.ExecutionDropped))
}

// SweepOrphans marks every execution this runner still believes is
// running dropped if its process is no longer alive, releasing its
// lease so the control plane can redispatch the work — the
// runner-restart reconciliation path.
func (o *Orchestrator) SweepOrphans(ctx context.Context, pidAlive func(pid int) bool) error {
	running, err := o.store.RunningExecutions(ctx)
	if err != nil {
		return fmt.Errorf("listing running executions: %w", err)
	}
	for _, e := range running {
		if e.PID != 0 && pidAlive(e.PID) {
			continue
		}
		if err := o.store.SetExecutionStatus(ctx, e.ID, domain.ExecutionDropped, nil); err != nil {
			return fmt.Errorf("dropping orphaned execution %s: %w", e.ID, err)
		}
		if o.leases != nil && e.LeaseID != "" {
			if err := o.leases.Release(ctx, e.LeaseID); err != nil {
				o.logger.Warn("failed to release orphaned execution's lease", slog.String("executionId", e.ID), slog.Any("err", err))
			}
		}
	}
	return nil
}
