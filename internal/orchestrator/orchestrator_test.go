package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/vkrunner/runner/internal/domain"
	"github.com/vkrunner/runner/internal/supervisor"
)

type fakeStore struct {
	executions map[string]domain.ExecutionProcess
	sessions   map[string]domain.Session
	repoStates map[string][]domain.ExecutionProcessRepoState
	order      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions: make(map[string]domain.ExecutionProcess),
		sessions:   make(map[string]domain.Session),
		repoStates: make(map[string][]domain.ExecutionProcessRepoState),
	}
}

func (f *fakeStore) StartExecution(_ context.Context, exec domain.ExecutionProcess) error {
	f.executions[exec.ID] = exec
	f.order = append(f.order, exec.ID)
	return nil
}

func (f *fakeStore) SetExecutionStatus(_ context.Context, executionID string, to domain.ExecutionStatus, exitCode *int) error {
	e, ok := f.executions[executionID]
	if !ok {
		return domain.ErrFatal
	}
	if !domain.CanTransition(e.Status, to) {
		return domain.ErrFatal
	}
	e.Status = to
	e.ExitCode = exitCode
	f.executions[executionID] = e
	return nil
}

func (f *fakeStore) SetExecutionExecutor(_ context.Context, executionID, runnerID string) error {
	e, ok := f.executions[executionID]
	if !ok {
		return domain.ErrFatal
	}
	e.Executor = runnerID
	f.executions[executionID] = e
	return nil
}

func (f *fakeStore) MarkQueuedFollowUpConsumed(_ context.Context, executionID string) error {
	e, ok := f.executions[executionID]
	if !ok {
		return domain.ErrFatal
	}
	e.QueuedFollowUpConsumed = true
	f.executions[executionID] = e
	return nil
}

func (f *fakeStore) GetExecution(_ context.Context, id string) (domain.ExecutionProcess, error) {
	e, ok := f.executions[id]
	if !ok {
		return domain.ExecutionProcess{}, domain.ErrFatal
	}
	return e, nil
}

func (f *fakeStore) RunningExecutions(_ context.Context) ([]domain.ExecutionProcess, error) {
	var out []domain.ExecutionProcess
	for _, id := range f.order {
		e := f.executions[id]
		if !e.Status.IsTerminal() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) PriorExecution(_ context.Context, sessionID string, before time.Time) (domain.ExecutionProcess, bool, error) {
	var best domain.ExecutionProcess
	found := false
	for _, id := range f.order {
		e := f.executions[id]
		if e.SessionID != sessionID || e.StartedAt == nil || !e.StartedAt.Before(before) {
			continue
		}
		if !found || e.StartedAt.After(*best.StartedAt) {
			best, found = e, true
		}
	}
	return best, found, nil
}

func (f *fakeStore) ForceDropExecutionsFromStartedAt(_ context.Context, sessionID string, from time.Time) error {
	for _, id := range f.order {
		e := f.executions[id]
		if e.SessionID != sessionID || e.StartedAt == nil || e.StartedAt.Before(from) {
			continue
		}
		e.Status = domain.ExecutionDropped
		f.executions[id] = e
	}
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrFatal
	}
	return s, nil
}

func (f *fakeStore) SetSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus) error {
	s := f.sessions[sessionID]
	s.Status = status
	f.sessions[sessionID] = s
	return nil
}

func (f *fakeStore) RepoStatesForExecution(_ context.Context, executionID string) ([]domain.ExecutionProcessRepoState, error) {
	return f.repoStates[executionID], nil
}

type fakeSnapshotter struct {
	resetCalls  int
	beforeCalls int
}

func (f *fakeSnapshotter) CaptureBefore(_ context.Context, _, _, _ string) (string, error) {
	f.beforeCalls++
	return "before", nil
}
func (f *fakeSnapshotter) CaptureAfter(_ context.Context, _, _, _ string) (string, error) { return "after", nil }
func (f *fakeSnapshotter) ResetSession(_ context.Context, _, _ []domain.ExecutionProcessRepoState, _ map[string]string, _ bool) error {
	f.resetCalls++
	return nil
}

type fakeRunner struct {
	exitCode int
	calls    []supervisor.Kind
	prompts  []string
}

func (f *fakeRunner) Run(_ context.Context, op supervisor.Operation, onOutput supervisor.OutputCallback) (*supervisor.Result, error) {
	f.calls = append(f.calls, op.Kind)
	f.prompts = append(f.prompts, op.Command)
	if onOutput != nil {
		onOutput("stdout", "ran "+string(op.Kind))
	}
	return &supervisor.Result{ExecutionID: op.ExecutionID, ExitCode: f.exitCode}, nil
}

type fakeQueue struct {
	pending   []domain.QueuedMessage
	discarded int
}

func (f *fakeQueue) Consume(_ context.Context, _ string) (domain.QueuedMessage, bool, error) {
	if len(f.pending) == 0 {
		return domain.QueuedMessage{}, false, nil
	}
	msg := f.pending[0]
	f.pending = f.pending[1:]
	return msg, true, nil
}

func (f *fakeQueue) Discard(_ context.Context, _ string) error {
	f.discarded++
	f.pending = nil
	return nil
}

type fakeApprovals struct {
	grant bool

	// store, when set, lets Request record the session status it sees
	// while the gate is pending.
	store                  *fakeStore
	sessionStatusAtRequest domain.SessionStatus
}

func (f *fakeApprovals) Request(_ context.Context, _, sessionID, executionID, kind, prompt string) (domain.Approval, error) {
	if f.store != nil {
		f.sessionStatusAtRequest = f.store.sessions[sessionID].Status
	}
	status := domain.ApprovalRejected
	if f.grant {
		status = domain.ApprovalApproved
	}
	return domain.Approval{ID: "approval-1", ExecutionID: executionID, Kind: kind, Prompt: prompt, Status: status}, nil
}

type fakeLeaseManager struct {
	acquired int
	released int
}

func (f *fakeLeaseManager) Acquire(_ context.Context, executionID, _ string) (domain.RunnerLease, error) {
	f.acquired++
	return domain.RunnerLease{ID: executionID + "-lease", ExecutionID: executionID, RunnerID: "runner-1"}, nil
}

func (f *fakeLeaseManager) Release(_ context.Context, _ string) error {
	f.released++
	return nil
}

func testRepo(withScripts bool) domain.WorkspaceRepo {
	r := domain.WorkspaceRepo{ID: "repo-1", Name: "service"}
	if withScripts {
		r.SetupScript = "echo setup"
		r.CleanupScript = "echo cleanup"
		r.ArchiveScript = "echo archive"
	}
	return r
}

func codingAgentOp() func(dir string, repo domain.WorkspaceRepo, prompt string) supervisor.Operation {
	return func(dir string, repo domain.WorkspaceRepo, prompt string) supervisor.Operation {
		cmd := "true"
		if prompt != "" {
			cmd = prompt
		}
		return supervisor.Operation{Kind: supervisor.KindRunCodingAgent, Dir: dir, Command: cmd}
	}
}

func TestRunTurn_RunsFullChainInOrder(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	o := New(store, &fakeSnapshotter{}, runner, &fakeQueue{}, &fakeApprovals{grant: true}, nil, "", nil)

	req := ChainRequest{
		SessionID:     "session-1",
		WorkspaceID:   "ws-1",
		Repos:         []domain.WorkspaceRepo{testRepo(true)},
		Dirs:          map[string]string{"repo-1": "/managed/repo-1"},
		CodingAgentOp: codingAgentOp(),
	}

	if err := o.RunTurn(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	want := []supervisor.Kind{
		supervisor.KindRunSetupScript,
		supervisor.KindRunCodingAgent,
		supervisor.KindRunCleanupScript,
		supervisor.KindRunArchiveScript,
	}
	if len(runner.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", runner.calls, want)
	}
	for i, k := range want {
		if runner.calls[i] != k {
			t.Fatalf("calls[%d] = %q, want %q", i, runner.calls[i], k)
		}
	}

	for _, e := range store.executions {
		if e.Status != domain.ExecutionCompleted {
			t.Fatalf("execution %s status = %q, want completed", e.ID, e.Status)
		}
	}
}

func TestRunTurn_SkipsStepsWithNoScript(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	o := New(store, &fakeSnapshotter{}, runner, &fakeQueue{}, &fakeApprovals{grant: true}, nil, "", nil)

	req := ChainRequest{
		SessionID:     "session-1",
		WorkspaceID:   "ws-1",
		Repos:         []domain.WorkspaceRepo{testRepo(false)},
		Dirs:          map[string]string{"repo-1": "/managed/repo-1"},
		CodingAgentOp: codingAgentOp(),
	}

	if err := o.RunTurn(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if len(runner.calls) != 1 || runner.calls[0] != supervisor.KindRunCodingAgent {
		t.Fatalf("calls = %v, want only coding agent", runner.calls)
	}
}

func TestRunTurn_DeniedApprovalBlocksCodingAgent(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	o := New(store, &fakeSnapshotter{}, runner, &fakeQueue{}, &fakeApprovals{grant: false}, nil, "", nil)

	req := ChainRequest{
		SessionID:        "session-1",
		WorkspaceID:      "ws-1",
		Repos:            []domain.WorkspaceRepo{testRepo(false)},
		Dirs:             map[string]string{"repo-1": "/managed/repo-1"},
		RequiresApproval: true,
		CodingAgentOp:    codingAgentOp(),
	}

	err := o.RunTurn(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for denied approval")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected coding agent never to run, got calls %v", runner.calls)
	}
}

func TestRunTurn_DrainsQueuedFollowUp(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	queue := &fakeQueue{pending: []domain.QueuedMessage{{ID: "q1", SessionID: "session-1", Body: "again"}}}
	o := New(store, &fakeSnapshotter{}, runner, queue, &fakeApprovals{grant: true}, nil, "", nil)

	req := ChainRequest{
		SessionID:     "session-1",
		WorkspaceID:   "ws-1",
		Repos:         []domain.WorkspaceRepo{testRepo(false)},
		Dirs:          map[string]string{"repo-1": "/managed/repo-1"},
		CodingAgentOp: codingAgentOp(),
	}

	if err := o.RunTurn(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("expected two coding-agent runs (original + queued follow-up), got %d", len(runner.calls))
	}
	if len(queue.pending) != 0 {
		t.Fatal("expected queue to be drained")
	}
	if runner.prompts[1] != "again" {
		t.Fatalf("queued follow-up's body = %q, want it to reach the new execution's prompt", runner.prompts[1])
	}
}

func TestRunTurn_FailedStepStopsChain(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{exitCode: 1}
	o := New(store, &fakeSnapshotter{}, runner, &fakeQueue{}, &fakeApprovals{grant: true}, nil, "", nil)

	req := ChainRequest{
		SessionID:     "session-1",
		WorkspaceID:   "ws-1",
		Repos:         []domain.WorkspaceRepo{testRepo(true)},
		Dirs:          map[string]string{"repo-1": "/managed/repo-1"},
		CodingAgentOp: codingAgentOp(),
	}

	if err := o.RunTurn(context.Background(), req); err == nil {
		t.Fatal("expected error from failing setup step")
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected chain to stop after first failing step, got calls %v", runner.calls)
	}
}

func TestRunTurn_DiscardsQueueOnFailedCodingAgentExecution(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{exitCode: 1}
	queue := &fakeQueue{pending: []domain.QueuedMessage{{ID: "q1", SessionID: "session-1", Body: "would have run next"}}}
	o := New(store, &fakeSnapshotter{}, runner, queue, &fakeApprovals{grant: true}, nil, "", nil)

	req := ChainRequest{
		SessionID:     "session-1",
		WorkspaceID:   "ws-1",
		Repos:         []domain.WorkspaceRepo{testRepo(false)},
		Dirs:          map[string]string{"repo-1": "/managed/repo-1"},
		CodingAgentOp: codingAgentOp(),
	}

	if err := o.RunTurn(context.Background(), req); err == nil {
		t.Fatal("expected error from failing coding-agent execution")
	}

	if queue.discarded != 1 {
		t.Fatalf("discarded = %d, want 1", queue.discarded)
	}
	if len(queue.pending) != 0 {
		t.Fatal("expected the queued message to be gone, not consumed into a new execution")
	}
}

func TestLeaseManager_AcquiredAndReleasedPerExecution(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{}
	leases := &fakeLeaseManager{}
	o := New(store, &fakeSnapshotter{}, runner, &fakeQueue{}, &fakeApprovals{grant: true}, leases, "device-1", nil)

	req := ChainRequest{
		SessionID:     "session-1",
		WorkspaceID:   "ws-1",
		Repos:         []domain.WorkspaceRepo{testRepo(true)},
		Dirs:          map[string]string{"repo-1": "/managed/repo-1"},
		CodingAgentOp: codingAgentOp(),
	}

	if err := o.RunTurn(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if leases.acquired != len(runner.calls) {
		t.Fatalf("acquired = %d, want one lease per execution (%d)", leases.acquired, len(runner.calls))
	}
	if leases.released != leases.acquired {
		t.Fatalf("released = %d, want every acquired lease released (%d)", leases.released, leases.acquired)
	}
}

func TestResetSession_RevertsAndDropsRunningExecutions(t *testing.T) {
	store := newFakeStore()
	startedAt := time.Now()
	store.sessions["session-1"] = domain.Session{ID: "session-1", Status: domain.SessionRunning}
	store.executions["exec-1"] = domain.ExecutionProcess{ID: "exec-1", SessionID: "session-1", Status: domain.ExecutionRunning, StartedAt: &startedAt}
	store.order = []string{"exec-1"}
	store.repoStates["exec-1"] = []domain.ExecutionProcessRepoState{{ExecutionID: "exec-1", RepoID: "repo-1", BeforeHeadCommit: "abc123"}}

	snap := &fakeSnapshotter{}
	o := New(store, snap, &fakeRunner{}, &fakeQueue{}, &fakeApprovals{}, nil, "", nil)

	if err := o.ResetSession(context.Background(), "session-1", "exec-1", map[string]string{"repo-1": "/managed/repo-1"}, false); err != nil {
		t.Fatal(err)
	}

	if snap.resetCalls != 1 {
		t.Fatalf("resetCalls = %d, want 1", snap.resetCalls)
	}
	if store.executions["exec-1"].Status != domain.ExecutionDropped {
		t.Fatalf("execution status = %q, want dropped", store.executions["exec-1"].Status)
	}
	if store.sessions["session-1"].Status != domain.SessionIdle {
		t.Fatalf("session status = %q, want idle", store.sessions["session-1"].Status)
	}
}

func TestSweepOrphans_DropsDeadProcessesOnly(t *testing.T) {
	store := newFakeStore()
	store.executions["exec-alive"] = domain.ExecutionProcess{ID: "exec-alive", Status: domain.ExecutionRunning, PID: 111}
	store.executions["exec-dead"] = domain.ExecutionProcess{ID: "exec-dead", Status: domain.ExecutionRunning, PID: 222, LeaseID: "lease-dead"}
	store.order = []string{"exec-alive", "exec-dead"}

	leases := &fakeLeaseManager{}
	o := New(store, &fakeSnapshotter{}, &fakeRunner{}, &fakeQueue{}, &fakeApprovals{}, leases, "", nil)

	err := o.SweepOrphans(context.Background(), func(pid int) bool { return pid == 111 })
	if err != nil {
		t.Fatal(err)
	}

	if store.executions["exec-alive"].Status != domain.ExecutionRunning {
		t.Fatalf("alive execution status = %q, want running", store.executions["exec-alive"].Status)
	}
	if store.executions["exec-dead"].Status != domain.ExecutionDropped {
		t.Fatalf("dead execution status = %q, want dropped", store.executions["exec-dead"].Status)
	}
	if leases.released != 1 {
		t.Fatalf("released = %d, want the dead execution's lease released", leases.released)
	}
}
