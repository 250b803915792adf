package domain

// NextQueuedSlot computes the QueuedMessage a new follow-up should
// produce when state is appended against an existing one. Per the
// single-slot overwrite rule, an existing queued message is replaced in
// place (same ID, new body) rather than superseded by a second row.
func NextQueuedSlot(existing *QueuedMessage, id, sessionID, body string, now func() QueuedMessage) QueuedMessage {
	if existing != nil && existing.State == QueuedActive {
		msg := *existing
		msg.Body = body
		return msg
	}
	return now()
}

// CanTransition reports whether an ExecutionProcess may move from
// `from` to `to`. Terminal states accept no further transition; pending
// may only become running or a terminal state; running may only become
// a terminal state.
func CanTransition(from, to ExecutionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case ExecutionPending:
		return to == ExecutionRunning || to.IsTerminal()
	case ExecutionRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// SessionStatusForExecution projects a Session's status from its
// most-recent execution's status: {pending,running} -> running;
// {failed,killed} -> needs_attention; {completed,dropped} -> idle. The
// store and orchestrator apply this as a pure function of the latest
// execution rather than a series of ad-hoc patches, so a terminal
// execution can never reduce a session back to running.
func SessionStatusForExecution(status ExecutionStatus) SessionStatus {
	switch status {
	case ExecutionPending, ExecutionRunning:
		return SessionRunning
	case ExecutionFailed, ExecutionKilled:
		return SessionNeedsAttention
	default:
		return SessionIdle
	}
}

// ActionChain is the ordered sequence of run reasons the orchestrator
// drives for a single coding-agent turn: setup precedes the agent,
// cleanup and archive follow it. A session skips a step only if its
// workspace repo has no script configured for that step.
var ActionChain = []RunReason{ReasonSetup, ReasonCodingAgent, ReasonCleanup, ReasonArchive}
