// Package approval is the broker for human approval gates: it records a
// pending gate, records a human grant or denial, and runs a periodic
// sweep that expires anything the TTL has passed on its own. Request
// returns as soon as the pending gate is stored; it does not wait for a
// decision.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vkrunner/runner/internal/domain"
)

// Store is the subset of the control-plane state store approval
// handling needs.
type Store interface {
	RequestApproval(ctx context.Context, approval domain.Approval) error
	RespondApproval(ctx context.Context, approvalID string, status domain.ApprovalStatus, respondedBy string) error
	ExpirePendingApprovals(ctx context.Context) ([]domain.Approval, error)
}

// Broker is the Approval Broker component.
type Broker struct {
	store      Store
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New creates a Broker.
func New(store Store, defaultTTL time.Duration, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{store: store, defaultTTL: defaultTTL, logger: logger}
}

// Request opens a new approval gate for executionID with the broker's
// default TTL. kind classifies what is being approved (e.g.
// "coding_agent_run") and prompt is the human-readable text shown to
// whoever decides it.
func (b *Broker) Request(ctx context.Context, workspaceID, sessionID, executionID, kind, prompt string) (domain.Approval, error) {
	approval := domain.Approval{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		ExecutionID: executionID,
		Kind:        kind,
		Prompt:      prompt,
		Status:      domain.ApprovalPending,
		RequestedAt: time.Now(),
		ExpiresAt:   time.Now().Add(b.defaultTTL),
	}
	if err := b.store.RequestApproval(ctx, approval); err != nil {
		return domain.Approval{}, fmt.Errorf("requesting approval: %w", err)
	}
	return approval, nil
}

// Respond records a human decision.
func (b *Broker) Respond(ctx context.Context, approvalID string, approved bool, respondedBy string) error {
	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}
	return b.store.RespondApproval(ctx, approvalID, status, respondedBy)
}

// RunExpiryReaper sweeps pending approvals past their TTL on a fixed
// ticker until ctx is cancelled, the same ticker-driven shape as the
// lease heartbeat loop rather than a calendar schedule, since nothing
// here has calendar semantics.
func (b *Broker) RunExpiryReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := b.store.ExpirePendingApprovals(ctx)
			if err != nil {
				b.logger.Warn("approval expiry sweep failed", slog.Any("err", err))
				continue
			}
			for _, a := range expired {
				b.logger.Info("approval expired", slog.String("approvalId", a.ID), slog.String("executionId", a.ExecutionID))
			}
		}
	}
}
