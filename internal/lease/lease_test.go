package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vkrunner/runner/internal/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	leases   map[string]domain.RunnerLease
	renewals int
}

func newFakeStore() *fakeStore {
	return &fakeStore{leases: make(map[string]domain.RunnerLease)}
}

func (f *fakeStore) AcquireLease(_ context.Context, executionID, deviceID, runnerID string, ttl time.Duration) (domain.RunnerLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.leases {
		if l.ExecutionID == executionID {
			return domain.RunnerLease{}, domain.ErrAlreadyLeased
		}
	}
	l := domain.RunnerLease{ID: executionID + "-lease", ExecutionID: executionID, DeviceID: deviceID, RunnerID: runnerID, ExpiresAt: time.Now().Add(ttl)}
	f.leases[l.ID] = l
	return l, nil
}

func (f *fakeStore) RenewLease(_ context.Context, leaseID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[leaseID]
	if !ok {
		return domain.ErrLeaseLost
	}
	l.ExpiresAt = time.Now().Add(ttl)
	f.leases[leaseID] = l
	f.renewals++
	return nil
}

func (f *fakeStore) ReleaseLease(_ context.Context, leaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leases, leaseID)
	return nil
}

func (f *fakeStore) ReclaimExpiredLeases(_ context.Context) ([]domain.RunnerLease, error) {
	return nil, nil
}

func TestAcquire_RejectsSecondClaimOnSameExecution(t *testing.T) {
	store := newFakeStore()
	m := New(store, "runner-1", time.Minute, time.Second, nil)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "exec-1", "device-1"); err != nil {
		t.Fatal(err)
	}

	m2 := New(store, "runner-2", time.Minute, time.Second, nil)
	if _, err := m2.Acquire(ctx, "exec-1", "device-1"); err == nil {
		t.Fatal("expected second acquire on same execution to fail")
	}
}

func TestHeartbeat_RenewsUntilCancelled(t *testing.T) {
	store := newFakeStore()
	m := New(store, "runner-1", time.Minute, 10*time.Millisecond, nil)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "exec-1", "device-1")
	if err != nil {
		t.Fatal(err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Heartbeat(hbCtx, l.ID) }()

	time.Sleep(60 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}

	store.mu.Lock()
	renewals := store.renewals
	store.mu.Unlock()
	if renewals == 0 {
		t.Fatal("expected at least one renewal")
	}
}
