// Package queue is the broker for a session's single-slot follow-up
// queue: it enforces the overwrite-not-append rule and hands the
// orchestrator the queued body at the point a chain is ready to
// consume it.
package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/vkrunner/runner/internal/domain"
)

// Store is the subset of the control-plane state store the queue
// broker needs.
type Store interface {
	EnqueueFollowUp(ctx context.Context, sessionID, body string, newID func() string) (domain.QueuedMessage, error)
	ConsumeFollowUp(ctx context.Context, sessionID string) (domain.QueuedMessage, bool, error)
	DiscardQueuedMessage(ctx context.Context, sessionID string) error
	QueueStatus(ctx context.Context, sessionID string) (domain.QueuedMessage, bool, error)
}

// Broker is the Queue Broker component.
type Broker struct {
	store Store
}

// New creates a Broker.
func New(store Store) *Broker {
	return &Broker{store: store}
}

// Append enqueues body as the session's follow-up, replacing any
// existing queued message rather than appending a second one.
func (b *Broker) Append(ctx context.Context, sessionID, body string) (domain.QueuedMessage, error) {
	if body == "" {
		return domain.QueuedMessage{}, fmt.Errorf("queued message body must not be empty")
	}
	return b.store.EnqueueFollowUp(ctx, sessionID, body, uuid.NewString)
}

// Consume pops the session's active queued message, if any. The
// orchestrator calls this only once a coding_agent execution completes
// successfully, to start the queued follow-up as a new execution.
func (b *Broker) Consume(ctx context.Context, sessionID string) (domain.QueuedMessage, bool, error) {
	return b.store.ConsumeFollowUp(ctx, sessionID)
}

// Discard drops the session's active queued message without starting
// it, if any. The orchestrator calls this when the execution that would
// have triggered the follow-up instead failed, was killed, or was
// dropped: a queued message waiting behind a dead chain is stale, not
// deferred.
func (b *Broker) Discard(ctx context.Context, sessionID string) error {
	return b.store.DiscardQueuedMessage(ctx, sessionID)
}

// Status reports the session's queued message without consuming it.
func (b *Broker) Status(ctx context.Context, sessionID string) (domain.QueuedMessage, bool, error) {
	return b.store.QueueStatus(ctx, sessionID)
}
