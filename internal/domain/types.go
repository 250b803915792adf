// Package domain holds the shared data-model types for workspaces,
// sessions, and executions: the entities every other package reads or
// writes, with no dependency on storage, transport, or process
// execution.
package domain

import "time"

// ExecutionStatus is the lifecycle state of an ExecutionProcess. Exactly
// one terminal transition is permitted per execution: completed,
// failed, killed, and dropped are all terminal and mutually exclusive.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionKilled    ExecutionStatus = "killed"
	ExecutionDropped   ExecutionStatus = "dropped"
)

// IsTerminal reports whether the status is one of the four terminal
// states.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionKilled, ExecutionDropped:
		return true
	default:
		return false
	}
}

// RunReason classifies why an ExecutionProcess was started. The set is
// closed: the orchestrator's action chain and the supervisor's typed
// operation set both switch exhaustively over it.
type RunReason string

const (
	ReasonSetup       RunReason = "setup"
	ReasonCodingAgent RunReason = "coding_agent"
	ReasonCleanup     RunReason = "cleanup"
	ReasonArchive     RunReason = "archive"
	ReasonDevServer   RunReason = "dev_server"
	ReasonReview      RunReason = "review"
	ReasonSystem      RunReason = "system"
)

// SessionStatus is the lifecycle state of a Session. It is a derived
// projection of the session's most-recent execution status (see
// SessionStatusForExecution), never set directly except on creation
// and by an approval gate opening or closing.
type SessionStatus string

const (
	SessionRunning        SessionStatus = "running"
	SessionIdle           SessionStatus = "idle"
	SessionNeedsAttention SessionStatus = "needs_attention"
	SessionError          SessionStatus = "error"
)

// ApprovalStatus is the lifecycle state of an Approval gate.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// QueuedMessageState is the lifecycle state of the single queued
// follow-up slot on a session.
type QueuedMessageState string

const (
	QueuedActive    QueuedMessageState = "queued"
	QueuedConsumed  QueuedMessageState = "consumed"
	QueuedDiscarded QueuedMessageState = "discarded"
)

// Workspace is a named collection of repos checked out under a single
// managed root, owned by a principal and optionally scoped to an
// org/project for multi-tenant deployments.
type Workspace struct {
	ID                    string
	Name                  string
	ManagedRoot           string
	Owner                 string
	Org                   string
	Project               string
	Branch                string
	Archived              bool
	Pinned                bool
	ActiveSessionID       string
	ActiveWorkspaceRepoID string
	CreatedAt             time.Time
}

// WorkspaceRepo is one git repository bound into a Workspace.
type WorkspaceRepo struct {
	ID                string
	WorkspaceID       string
	Name              string
	OriginURL         string
	SetupScript       string
	CleanupScript     string
	ArchiveScript     string
	LastEnsuredCommit string
}

// Session is a unit of conversational/agentic work against a Workspace,
// owning at most one running ExecutionProcess and at most one queued
// follow-up at a time.
type Session struct {
	ID          string
	WorkspaceID string
	Title       string
	Status      SessionStatus
	Branch      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionProcess is a single supervised run of a typed operation
// against one or more repos in a workspace.
type ExecutionProcess struct {
	ID          string
	SessionID   string
	WorkspaceID string
	RunReason   RunReason
	Status      ExecutionStatus
	LeaseID     string
	// Executor is the runner ID that claimed this execution's lease, set
	// once the execution starts running. Empty for an execution that
	// never made it past pending.
	Executor string
	PID      int
	// QueuedFollowUpConsumed marks that this execution, once it reached a
	// terminal state, already triggered (or discarded) the session's
	// queued follow-up. RunTurn checks this before consuming the queue so
	// a re-observed completion of the same execution can never drain the
	// slot twice.
	QueuedFollowUpConsumed bool
	StartedAt               *time.Time
	FinishedAt              *time.Time
	ExitCode                *int
}

// ExecutionProcessRepoState captures the before/after HEAD commit of one
// repo across one ExecutionProcess, the basis for deterministic session
// reset.
type ExecutionProcessRepoState struct {
	ExecutionID     string
	RepoID          string
	BeforeHeadCommit string
	AfterHeadCommit  string
}

// QueuedMessage is the single active follow-up slot for a session. A
// new QueuedMessage overwrites rather than appends to any existing
// queued row for the same session.
type QueuedMessage struct {
	ID        string
	SessionID string
	Body      string
	State     QueuedMessageState
	CreatedAt time.Time
}

// Approval is a human approval gate blocking a pending action until
// granted, denied, or expired by TTL. Kind classifies what is being
// approved (e.g. "coding_agent_run"); Prompt is the human-readable text
// shown to whoever decides it.
type Approval struct {
	ID          string
	WorkspaceID string
	SessionID   string
	ExecutionID string
	Kind        string
	Prompt      string
	Status      ApprovalStatus
	RequestedAt time.Time
	ExpiresAt   time.Time
	RespondedAt *time.Time
	RespondedBy string
}

// DeviceEnrollment binds a device identity to the credentials the
// dispatch client uses to validate inbound execution intents.
type DeviceEnrollment struct {
	DeviceID    string
	PublicKey   string
	EnrolledAt  time.Time
	Revoked     bool
}

// RunnerLease is a TTL-bound claim a single runner process holds over
// one ExecutionProcess, reclaimed by heartbeat expiry if the runner
// disappears. Leases are keyed by execution rather than session so that
// independent steps of a session's action chain (e.g. a dev_server left
// running alongside a coding_agent turn) can be leased concurrently
// without contending on a single session-wide claim.
type RunnerLease struct {
	ID          string
	ExecutionID string
	DeviceID    string
	RunnerID    string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}
