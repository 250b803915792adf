// Package lease manages TTL-bound runner leases over executions: a
// single runner holds a lease on one execution at a time, renews it on
// a heartbeat, and the control plane reclaims it if the heartbeat stops
// before the TTL elapses. Leases are keyed by execution rather than
// session so independent steps of an action chain can run concurrently
// under separate leases.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vkrunner/runner/internal/domain"
)

// Backoff constants for reconnect-style retry of lease operations,
// matching the dispatch client's reconnect cadence.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Store is the subset of the control-plane state store lease management
// needs.
type Store interface {
	AcquireLease(ctx context.Context, executionID, deviceID, runnerID string, ttl time.Duration) (domain.RunnerLease, error)
	RenewLease(ctx context.Context, leaseID string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, leaseID string) error
	ReclaimExpiredLeases(ctx context.Context) ([]domain.RunnerLease, error)
}

// Manager owns the local runner's held leases and their heartbeat
// loops.
type Manager struct {
	store    Store
	runnerID string
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Manager.
func New(store Store, runnerID string, ttl, heartbeatInterval time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, runnerID: runnerID, ttl: ttl, interval: heartbeatInterval, logger: logger}
}

// Acquire claims a lease for executionID on behalf of deviceID,
// returning ErrAlreadyLeased if another runner currently holds it.
func (m *Manager) Acquire(ctx context.Context, executionID, deviceID string) (domain.RunnerLease, error) {
	l, err := m.store.AcquireLease(ctx, executionID, deviceID, m.runnerID, m.ttl)
	if err != nil {
		return domain.RunnerLease{}, err
	}
	return l, nil
}

// Release gives up leaseID.
func (m *Manager) Release(ctx context.Context, leaseID string) error {
	return m.store.ReleaseLease(ctx, leaseID)
}

// Heartbeat runs a renewal loop for leaseID at m.interval until ctx is
// cancelled or a renewal fails with a non-transient error, in which
// case ErrLeaseLost is returned so the caller can abort its execution.
func (m *Manager) Heartbeat(ctx context.Context, leaseID string) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.store.RenewLease(ctx, leaseID, m.ttl); err != nil {
				if domain.IsTransient(err) {
					delay := calculateBackoff(attempt)
					attempt++
					m.logger.Warn("lease renewal failed, retrying",
						slog.String("leaseId", leaseID), slog.Duration("delay", delay), slog.Any("err", err))
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(delay):
						continue
					}
				}
				return fmt.Errorf("%w: %v", domain.ErrLeaseLost, err)
			}
			attempt = 0
		}
	}
}

// ReconcileOnStartup verifies, for each lease this runner believes it
// held before a restart, whether the underlying process pid is still
// alive. Leases whose process is gone are released so the control plane
// can redispatch the work; leases whose process is alive are renewed.
func (m *Manager) ReconcileOnStartup(ctx context.Context, held []domain.RunnerLease, pidAlive func(pid int) bool, pidFor func(leaseID string) int) error {
	for _, l := range held {
		pid := pidFor(l.ID)
		if pid != 0 && pidAlive(pid) {
			if err := m.store.RenewLease(ctx, l.ID, m.ttl); err != nil {
				m.logger.Warn("failed to renew reconciled lease", slog.String("leaseId", l.ID), slog.Any("err", err))
			}
			continue
		}
		if err := m.store.ReleaseLease(ctx, l.ID); err != nil {
			m.logger.Warn("failed to release orphaned lease", slog.String("leaseId", l.ID), slog.Any("err", err))
		}
	}
	return nil
}
