package approval

import (
	"context"
	"testing"
	"time"

	"github.com/vkrunner/runner/internal/domain"
)

type fakeStore struct {
	approvals map[string]domain.Approval
}

func newFakeStore() *fakeStore {
	return &fakeStore{approvals: make(map[string]domain.Approval)}
}

func (f *fakeStore) RequestApproval(_ context.Context, a domain.Approval) error {
	f.approvals[a.ID] = a
	return nil
}

func (f *fakeStore) RespondApproval(_ context.Context, approvalID string, status domain.ApprovalStatus, respondedBy string) error {
	a, ok := f.approvals[approvalID]
	if !ok {
		return domain.ErrFatal
	}
	a.Status = status
	a.RespondedBy = respondedBy
	f.approvals[approvalID] = a
	return nil
}

func (f *fakeStore) ExpirePendingApprovals(_ context.Context) ([]domain.Approval, error) {
	var expired []domain.Approval
	for id, a := range f.approvals {
		if a.Status == domain.ApprovalPending && time.Now().After(a.ExpiresAt) {
			a.Status = domain.ApprovalExpired
			f.approvals[id] = a
			expired = append(expired, a)
		}
	}
	return expired, nil
}

func TestRequestAndRespond(t *testing.T) {
	store := newFakeStore()
	b := New(store, time.Hour, nil)
	ctx := context.Background()

	a, err := b.Request(ctx, "ws-1", "session-1", "exec-1", "coding_agent_run", "allow the agent to run?")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.ApprovalPending {
		t.Fatalf("Status = %q, want pending", a.Status)
	}
	if a.Kind != "coding_agent_run" || a.Prompt == "" {
		t.Fatalf("Kind/Prompt not recorded: %+v", a)
	}

	if err := b.Respond(ctx, a.ID, true, "human-1"); err != nil {
		t.Fatal(err)
	}
	if store.approvals[a.ID].Status != domain.ApprovalApproved {
		t.Fatalf("Status = %q, want approved", store.approvals[a.ID].Status)
	}
}

func TestRunExpiryReaper_ExpiresPastTTL(t *testing.T) {
	store := newFakeStore()
	b := New(store, -time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := b.Request(context.Background(), "ws-1", "session-1", "exec-1", "coding_agent_run", "allow the agent to run?"); err != nil {
		t.Fatal(err)
	}

	go b.RunExpiryReaper(ctx, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	cancel()

	for _, a := range store.approvals {
		if a.Status != domain.ApprovalExpired {
			t.Fatalf("Status = %q, want expired", a.Status)
		}
	}
}
