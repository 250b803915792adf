// Package store is a reference implementation of the control-plane
// state store contract: SQLite-backed persistence for workspaces,
// sessions, executions, queued follow-ups, approvals, device
// enrollments, and runner leases, with an in-process change-notification
// bus standing in for the production control plane's realtime feed.
//
// This is a reference/test implementation of an external collaborator,
// not the production control-plane datastore.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vkrunner/runner/internal/domain"
)

// Store provides SQLite-backed persistence for the control-plane state
// store contract.
type Store struct {
	db  *sql.DB
	bus *bus
}

// New opens (creating if necessary) a Store at dbPath and applies
// pending migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db, bus: newBus()}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe returns a channel of Change notifications for collection
// ("executions", "queued_messages", "approvals", "sessions", ...).
func (s *Store) Subscribe(collection string) (<-chan Change, func()) {
	return s.bus.Subscribe(collection)
}

// CreateWorkspace inserts a new workspace, its repos, and one initial
// session in a single transaction, then points the workspace's
// ActiveSessionID and ActiveWorkspaceRepoID at what it just created: a
// workspace never exists without an active session to land work in.
// initialSessionTitle may be empty.
func (s *Store) CreateWorkspace(ctx context.Context, ws domain.Workspace, repos []domain.WorkspaceRepo, initialSessionTitle string) (domain.Workspace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, managed_root, owner, org, project, branch, archived, pinned, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.ManagedRoot, ws.Owner, ws.Org, ws.Project, ws.Branch, ws.Archived, ws.Pinned, ws.CreatedAt); err != nil {
		return domain.Workspace{}, fmt.Errorf("inserting workspace: %w", err)
	}

	for i := range repos {
		r := &repos[i]
		r.WorkspaceID = ws.ID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspace_repos (id, workspace_id, name, origin_url, setup_script, cleanup_script, archive_script, last_ensured_commit)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, ws.ID, r.Name, r.OriginURL, r.SetupScript, r.CleanupScript, r.ArchiveScript, r.LastEnsuredCommit); err != nil {
			return domain.Workspace{}, fmt.Errorf("inserting workspace repo %s: %w", r.Name, err)
		}
	}
	if len(repos) > 0 {
		ws.ActiveWorkspaceRepoID = repos[0].ID
	}

	now := ws.CreatedAt
	sess := domain.Session{ID: uuid.NewString(), WorkspaceID: ws.ID, Title: initialSessionTitle, Status: domain.SessionIdle, Branch: ws.Branch, CreatedAt: now, UpdatedAt: now}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_id, title, status, branch, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceID, sess.Title, string(sess.Status), sess.Branch, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return domain.Workspace{}, fmt.Errorf("inserting initial session: %w", err)
	}
	ws.ActiveSessionID = sess.ID

	if _, err := tx.ExecContext(ctx,
		`UPDATE workspaces SET active_session_id = ?, active_workspace_repo_id = ? WHERE id = ?`,
		ws.ActiveSessionID, ws.ActiveWorkspaceRepoID, ws.ID); err != nil {
		return domain.Workspace{}, fmt.Errorf("assigning active pointers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	s.bus.publish("workspaces", ws.ID)
	s.bus.publish("sessions", sess.ID)
	return ws, nil
}

// UpdateWorkspace persists the mutable fields of an existing workspace:
// name, owner/org/project scoping, branch, archived/pinned flags, and
// the active session/repo pointers.
func (s *Store) UpdateWorkspace(ctx context.Context, ws domain.Workspace) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET name = ?, owner = ?, org = ?, project = ?, branch = ?, archived = ?, pinned = ?,
		   active_session_id = ?, active_workspace_repo_id = ? WHERE id = ?`,
		ws.Name, ws.Owner, ws.Org, ws.Project, ws.Branch, ws.Archived, ws.Pinned, ws.ActiveSessionID, ws.ActiveWorkspaceRepoID, ws.ID)
	if err != nil {
		return err
	}
	s.bus.publish("workspaces", ws.ID)
	return nil
}

// GetWorkspace retrieves a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, managed_root, owner, org, project, branch, archived, pinned,
		   COALESCE(active_session_id, ''), COALESCE(active_workspace_repo_id, ''), created_at
		 FROM workspaces WHERE id = ?`, id)
	var ws domain.Workspace
	if err := row.Scan(&ws.ID, &ws.Name, &ws.ManagedRoot, &ws.Owner, &ws.Org, &ws.Project, &ws.Branch, &ws.Archived, &ws.Pinned,
		&ws.ActiveSessionID, &ws.ActiveWorkspaceRepoID, &ws.CreatedAt); err != nil {
		return domain.Workspace{}, err
	}
	return ws, nil
}

// IsPrincipalAuthorizedForWorkspace reports whether principal may act on
// workspaceID: either as its owner, or as a member of the org the
// workspace is scoped to. Org membership beyond string equality (actual
// group resolution) is out of scope for this reference store.
func (s *Store) IsPrincipalAuthorizedForWorkspace(ctx context.Context, principal, workspaceID string) (bool, error) {
	if principal == "" {
		return false, nil
	}
	var owner, org string
	err := s.db.QueryRowContext(ctx, `SELECT owner, org FROM workspaces WHERE id = ?`, workspaceID).Scan(&owner, &org)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return principal == owner || (org != "" && principal == org), nil
}

// WorkspaceRepos lists the repos bound to a workspace.
func (s *Store) WorkspaceRepos(ctx context.Context, workspaceID string) ([]domain.WorkspaceRepo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, name, origin_url, setup_script, cleanup_script, archive_script, last_ensured_commit
		 FROM workspace_repos WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []domain.WorkspaceRepo
	for rows.Next() {
		var r domain.WorkspaceRepo
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.OriginURL, &r.SetupScript, &r.CleanupScript, &r.ArchiveScript, &r.LastEnsuredCommit); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_id, title, status, branch, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceID, sess.Title, string(sess.Status), sess.Branch, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return err
	}
	s.bus.publish("sessions", sess.ID)
	return nil
}

// SetSessionStatus updates a session's status.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now(), sessionID)
	if err != nil {
		return err
	}
	s.bus.publish("sessions", sessionID)
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, title, status, branch, created_at, updated_at FROM sessions WHERE id = ?`, id)
	var sess domain.Session
	var status string
	if err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.Title, &status, &sess.Branch, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return domain.Session{}, err
	}
	sess.Status = domain.SessionStatus(status)
	return sess, nil
}

// StartExecution inserts a new execution row, with the status and fields
// exec carries, inside one transaction. It claims no lease; callers claim
// one separately with AcquireLease.
func (s *Store) StartExecution(ctx context.Context, exec domain.ExecutionProcess) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_processes (id, session_id, workspace_id, run_reason, status, lease_id, executor, queued_follow_up_consumed, pid, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.SessionID, exec.WorkspaceID, string(exec.RunReason), string(exec.Status), exec.LeaseID, exec.Executor, exec.QueuedFollowUpConsumed, exec.PID, exec.StartedAt); err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.bus.publish("executions", exec.ID)
	return nil
}

// SetExecutionStatus performs the one permitted terminal transition (or
// pending->running) for an execution, rejecting any transition that
// domain.CanTransition disallows.
func (s *Store) SetExecutionStatus(ctx context.Context, executionID string, to domain.ExecutionStatus, exitCode *int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM execution_processes WHERE id = ?`, executionID).Scan(&current); err != nil {
		return fmt.Errorf("loading execution: %w", err)
	}

	from := domain.ExecutionStatus(current)
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: execution %s cannot move from %s to %s", domain.ErrFatal, executionID, from, to)
	}

	if to.IsTerminal() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE execution_processes SET status = ?, finished_at = ?, exit_code = ? WHERE id = ?`,
			string(to), time.Now(), exitCode, executionID); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE execution_processes SET status = ? WHERE id = ?`, string(to), executionID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.bus.publish("executions", executionID)
	return nil
}

const executionColumns = `id, session_id, workspace_id, run_reason, status, lease_id, executor, queued_follow_up_consumed, pid, started_at, finished_at, exit_code`

func scanExecution(row interface{ Scan(...any) error }) (domain.ExecutionProcess, error) {
	var e domain.ExecutionProcess
	var reason, status string
	if err := row.Scan(&e.ID, &e.SessionID, &e.WorkspaceID, &reason, &status, &e.LeaseID, &e.Executor, &e.QueuedFollowUpConsumed, &e.PID, &e.StartedAt, &e.FinishedAt, &e.ExitCode); err != nil {
		return domain.ExecutionProcess{}, err
	}
	e.RunReason = domain.RunReason(reason)
	e.Status = domain.ExecutionStatus(status)
	return e, nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (domain.ExecutionProcess, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM execution_processes WHERE id = ?`, id)
	return scanExecution(row)
}

// RunningExecutions returns executions still in pending or running
// status, used by the runner-restart orphan sweep.
func (s *Store) RunningExecutions(ctx context.Context) ([]domain.ExecutionProcess, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM execution_processes WHERE status IN ('pending', 'running')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExecutionProcess
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForceDropExecutionsFromStartedAt sets every execution on sessionID
// whose started_at is at or after from to dropped, bypassing the
// ordinary transition check: a session reset discards a whole
// timeline, including executions that already reached some other
// terminal state before the reset was requested.
func (s *Store) ForceDropExecutionsFromStartedAt(ctx context.Context, sessionID string, from time.Time) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM execution_processes WHERE session_id = ? AND started_at >= ?`, sessionID, from)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := time.Now()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE execution_processes SET status = 'dropped', finished_at = ? WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("force-dropping execution %s: %w", id, err)
		}
		s.bus.publish("executions", id)
	}
	return nil
}

// PriorExecution returns the most recently started execution on
// sessionID that began before the given time, or ok=false if there is
// none. Session reset uses this to find the execution whose
// after-commit stands in for a reset-point execution that never
// recorded its own before-commit.
func (s *Store) PriorExecution(ctx context.Context, sessionID string, before time.Time) (domain.ExecutionProcess, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM execution_processes WHERE session_id = ? AND started_at < ? ORDER BY started_at DESC LIMIT 1`,
		sessionID, before)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return domain.ExecutionProcess{}, false, nil
	}
	if err != nil {
		return domain.ExecutionProcess{}, false, err
	}
	return e, true, nil
}

// SetExecutionExecutor records the runner ID that claimed executionID's
// lease, once it starts running.
func (s *Store) SetExecutionExecutor(ctx context.Context, executionID, runnerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE execution_processes SET executor = ? WHERE id = ?`, runnerID, executionID)
	return err
}

// MarkQueuedFollowUpConsumed records that executionID already triggered
// (or discarded) the session's queued follow-up, so RunTurn never drains
// the same slot twice for the same execution.
func (s *Store) MarkQueuedFollowUpConsumed(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE execution_processes SET queued_follow_up_consumed = TRUE WHERE id = ?`, executionID)
	return err
}

// RecordRepoState upserts a repo's before/after commit for an
// execution.
func (s *Store) RecordRepoState(ctx context.Context, state domain.ExecutionProcessRepoState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_repo_states (execution_id, repo_id, before_head_commit, after_head_commit)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(execution_id, repo_id) DO UPDATE SET
		   before_head_commit = CASE WHEN excluded.before_head_commit != '' THEN excluded.before_head_commit ELSE execution_repo_states.before_head_commit END,
		   after_head_commit = excluded.after_head_commit`,
		state.ExecutionID, state.RepoID, state.BeforeHeadCommit, state.AfterHeadCommit)
	return err
}

// RepoStatesForExecution lists the recorded repo states for an
// execution.
func (s *Store) RepoStatesForExecution(ctx context.Context, executionID string) ([]domain.ExecutionProcessRepoState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, repo_id, before_head_commit, after_head_commit FROM execution_repo_states WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExecutionProcessRepoState
	for rows.Next() {
		var st domain.ExecutionProcessRepoState
		if err := rows.Scan(&st.ExecutionID, &st.RepoID, &st.BeforeHeadCommit, &st.AfterHeadCommit); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// EnqueueFollowUp implements the single-slot overwrite rule: if the
// session already has a queued row, its body is replaced in place;
// otherwise a new row is inserted. Both paths run inside one
// transaction so a concurrent enqueue can never produce two active
// rows for the same session.
func (s *Store) EnqueueFollowUp(ctx context.Context, sessionID, body string, newID func() string) (domain.QueuedMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueuedMessage{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE queued_messages SET body = ? WHERE session_id = ? AND state = 'queued'`, body, sessionID)
	if err != nil {
		return domain.QueuedMessage{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.QueuedMessage{}, err
	}

	var msg domain.QueuedMessage
	if affected == 0 {
		msg = domain.QueuedMessage{ID: newID(), SessionID: sessionID, Body: body, State: domain.QueuedActive, CreatedAt: time.Now()}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queued_messages (id, session_id, body, state, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.Body, string(msg.State), msg.CreatedAt); err != nil {
			return domain.QueuedMessage{}, err
		}
	} else {
		if err := tx.QueryRowContext(ctx,
			`SELECT id, session_id, body, state, created_at FROM queued_messages WHERE session_id = ? AND state = 'queued'`, sessionID).
			Scan(&msg.ID, &msg.SessionID, &msg.Body, (*string)(&msg.State), &msg.CreatedAt); err != nil {
			return domain.QueuedMessage{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.QueuedMessage{}, err
	}
	s.bus.publish("queued_messages", sessionID)
	return msg, nil
}

// ConsumeFollowUp marks the session's active queued message consumed
// and returns it, or ok=false if there was none.
func (s *Store) ConsumeFollowUp(ctx context.Context, sessionID string) (msg domain.QueuedMessage, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueuedMessage{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, session_id, body, state, created_at FROM queued_messages WHERE session_id = ? AND state = 'queued'`, sessionID)
	var state string
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Body, &state, &msg.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.QueuedMessage{}, false, nil
		}
		return domain.QueuedMessage{}, false, err
	}
	msg.State = domain.QueuedConsumed

	if _, err := tx.ExecContext(ctx, `UPDATE queued_messages SET state = 'consumed' WHERE id = ?`, msg.ID); err != nil {
		return domain.QueuedMessage{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueuedMessage{}, false, err
	}
	s.bus.publish("queued_messages", sessionID)
	return msg, true, nil
}

// DiscardQueuedMessage marks the session's active queued message
// discarded without handing it to a caller, used when the execution
// that would have triggered it lands in failed/killed/dropped rather
// than completed.
func (s *Store) DiscardQueuedMessage(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queued_messages SET state = 'discarded' WHERE session_id = ? AND state = 'queued'`, sessionID)
	if err != nil {
		return err
	}
	s.bus.publish("queued_messages", sessionID)
	return nil
}

// QueueStatus reports whether sessionID currently has an active queued
// follow-up.
func (s *Store) QueueStatus(ctx context.Context, sessionID string) (domain.QueuedMessage, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, body, state, created_at FROM queued_messages WHERE session_id = ? AND state = 'queued'`, sessionID)
	var msg domain.QueuedMessage
	var state string
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Body, &state, &msg.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.QueuedMessage{}, false, nil
		}
		return domain.QueuedMessage{}, false, err
	}
	msg.State = domain.QueuedMessageState(state)
	return msg, true, nil
}

// RequestApproval inserts a pending approval gate.
func (s *Store) RequestApproval(ctx context.Context, approval domain.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, workspace_id, session_id, execution_id, kind, prompt, status, requested_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ID, approval.WorkspaceID, approval.SessionID, approval.ExecutionID, approval.Kind, approval.Prompt,
		string(domain.ApprovalPending), approval.RequestedAt, approval.ExpiresAt)
	if err != nil {
		return err
	}
	s.bus.publish("approvals", approval.ID)
	return nil
}

// RespondApproval records a human decision on a pending approval.
func (s *Store) RespondApproval(ctx context.Context, approvalID string, status domain.ApprovalStatus, respondedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM approvals WHERE id = ?`, approvalID).Scan(&current); err != nil {
		return fmt.Errorf("loading approval: %w", err)
	}
	if current != string(domain.ApprovalPending) {
		return fmt.Errorf("%w: approval %s already %s", domain.ErrFatal, approvalID, current)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE approvals SET status = ?, responded_at = ?, responded_by = ? WHERE id = ?`,
		string(status), time.Now(), respondedBy, approvalID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.bus.publish("approvals", approvalID)
	return nil
}

// ExpirePendingApprovals moves every approval past its TTL to expired,
// returning the ones it changed.
func (s *Store) ExpirePendingApprovals(ctx context.Context) ([]domain.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, expires_at FROM approvals WHERE status = 'pending' AND expires_at < ?`, time.Now())
	if err != nil {
		return nil, err
	}
	var expired []domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.ExpiresAt); err != nil {
			rows.Close()
			return nil, err
		}
		a.Status = domain.ApprovalExpired
		expired = append(expired, a)
	}
	rows.Close()

	for _, a := range expired {
		if _, err := s.db.ExecContext(ctx, `UPDATE approvals SET status = 'expired' WHERE id = ?`, a.ID); err != nil {
			return nil, err
		}
		s.bus.publish("approvals", a.ID)
	}
	return expired, nil
}

// AcquireLease claims executionID's lease for runnerID/deviceID, failing
// with ErrAlreadyLeased if a live lease already exists.
func (s *Store) AcquireLease(ctx context.Context, executionID, deviceID, runnerID string, ttl time.Duration) (domain.RunnerLease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunnerLease{}, err
	}
	defer tx.Rollback()

	var existingExpiry time.Time
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM runner_leases WHERE execution_id = ?`, executionID).Scan(&existingExpiry)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return domain.RunnerLease{}, err
	default:
		if existingExpiry.After(time.Now()) {
			return domain.RunnerLease{}, domain.ErrAlreadyLeased
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runner_leases WHERE execution_id = ?`, executionID); err != nil {
			return domain.RunnerLease{}, err
		}
	}

	now := time.Now()
	lease := domain.RunnerLease{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		DeviceID:    deviceID,
		RunnerID:    runnerID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
		HeartbeatAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runner_leases (id, execution_id, device_id, runner_id, acquired_at, expires_at, heartbeat_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lease.ID, lease.ExecutionID, lease.DeviceID, lease.RunnerID, lease.AcquiredAt, lease.ExpiresAt, lease.HeartbeatAt); err != nil {
		return domain.RunnerLease{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.RunnerLease{}, err
	}
	return lease, nil
}

// RenewLease extends a held lease's expiry and stamps its heartbeat.
func (s *Store) RenewLease(ctx context.Context, leaseID string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE runner_leases SET expires_at = ?, heartbeat_at = ? WHERE id = ?`, now.Add(ttl), now, leaseID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// ReleaseLease drops a held lease.
func (s *Store) ReleaseLease(ctx context.Context, leaseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runner_leases WHERE id = ?`, leaseID)
	return err
}

// ReclaimExpiredLeases deletes every lease past its TTL and returns
// what it reclaimed, for the control plane's orphan sweep.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) ([]domain.RunnerLease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, device_id, runner_id, acquired_at, expires_at, heartbeat_at FROM runner_leases WHERE expires_at < ?`, time.Now())
	if err != nil {
		return nil, err
	}
	var expired []domain.RunnerLease
	for rows.Next() {
		var l domain.RunnerLease
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.DeviceID, &l.RunnerID, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, l)
	}
	rows.Close()

	for _, l := range expired {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM runner_leases WHERE id = ?`, l.ID); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// EnrollDevice registers a device's public key.
func (s *Store) EnrollDevice(ctx context.Context, enrollment domain.DeviceEnrollment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_enrollments (device_id, public_key, enrolled_at, revoked) VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET public_key = excluded.public_key, revoked = FALSE`,
		enrollment.DeviceID, enrollment.PublicKey, enrollment.EnrolledAt, enrollment.Revoked)
	return err
}

// IsDeviceEnrolled reports whether deviceID is enrolled and not
// revoked.
func (s *Store) IsDeviceEnrolled(ctx context.Context, deviceID string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT revoked FROM device_enrollments WHERE device_id = ?`, deviceID).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !revoked, nil
}
