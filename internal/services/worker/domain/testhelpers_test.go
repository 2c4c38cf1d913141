package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	groupdomain "github.com/broseph/broseph/internal/services/groups/domain"
	groupstorage "github.com/broseph/broseph/internal/services/groups/storage"
	groupsqlite "github.com/broseph/broseph/internal/services/groups/storage/sqlite"
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func openGroupsStore(t *testing.T) *groupsqlite.Store {
	t.Helper()
	store, err := groupsqlite.Open(context.Background(), filepath.Join(t.TempDir(), "groups.db"))
	if err != nil {
		t.Fatalf("open groups store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close groups store: %v", err)
		}
	})
	return store
}

func testDeps(store GroupsStore, limits groupdomain.Limits) Dependencies {
	var counter atomic.Int64
	return Dependencies{
		Store:  store,
		Limits: limits,
		Clock:  func() time.Time { return testNow },
		NewID: func() (string, error) {
			return fmt.Sprintf("id-%d", counter.Add(1)), nil
		},
	}
}

func newJob(t *testing.T, kind Kind, jobID string, body any) Job {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Job{ID: jobID, Kind: kind, Payload: data, Attempt: 1}
}

func assertSucceeded(t *testing.T, outcome Outcome) {
	t.Helper()
	if outcome.Status != StatusSucceeded {
		t.Fatalf("status = %s (err %v), want %s", outcome.Status, outcome.Err, StatusSucceeded)
	}
}

func assertOutcome(t *testing.T, outcome Outcome, status Status, class apperrors.Class, code apperrors.Code) {
	t.Helper()
	if outcome.Status != status {
		t.Fatalf("status = %s (err %v), want %s", outcome.Status, outcome.Err, status)
	}
	if got := apperrors.ClassOf(outcome.Err); got != class {
		t.Fatalf("class = %s, want %s", got, class)
	}
	if code != "" && outcome.Code() != code {
		t.Fatalf("code = %s, want %s", outcome.Code(), code)
	}
}

// seedGroup creates groupID owned by ownerID, then adds members in order,
// one minute apart.
func seedGroup(t *testing.T, store GroupsStore, groupID, ownerID string, members ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateGroup(ctx, groupstorage.Group{
		ID:          groupID,
		Name:        "Group " + groupID,
		OwnerID:     ownerID,
		CreateJobID: "create-" + groupID,
		CreatedAt:   testNow,
	}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	users := append([]string{ownerID}, members...)
	for i, userID := range users {
		role := groupdomain.RoleMember
		if userID == ownerID {
			role = groupdomain.RoleOwner
		}
		if _, err := store.AddMembership(ctx, groupstorage.Membership{
			ID:       "m-" + groupID + "-" + userID,
			GroupID:  groupID,
			UserID:   userID,
			Role:     role,
			JobID:    "seed",
			JoinedAt: testNow.Add(time.Duration(i) * time.Minute),
		}, groupdomain.DefaultLimits()); err != nil {
			t.Fatalf("add member %s: %v", userID, err)
		}
	}
}

func seedInvite(t *testing.T, store GroupsStore, inviteID, groupID, token string, expiresAt time.Time) {
	t.Helper()
	if err := store.CreateInvite(context.Background(), groupstorage.Invite{
		ID:        inviteID,
		GroupID:   groupID,
		InvitedBy: "inviter",
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: testNow.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create invite: %v", err)
	}
}

func memberIDs(t *testing.T, store GroupsStore, groupID string) []string {
	t.Helper()
	members, err := store.ListMemberships(context.Background(), groupID)
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// faultStore injects errors in front of a real store. Queued errors are
// consumed one per call; a nil entry lets that call through.
type faultStore struct {
	GroupsStore

	mu            sync.Mutex
	addMembership []error
	discard       []error
	remove        []error
	redeem        []error
	createMessage []error
	alwaysRemove  error

	// beforeRedeem runs once, ahead of the first RedeemInvite call.
	beforeRedeem     func()
	beforeRedeemOnce sync.Once
}

func (f *faultStore) next(queue *[]error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (f *faultStore) AddMembership(ctx context.Context, m groupstorage.Membership, limits groupdomain.Limits) (groupstorage.Membership, error) {
	if err := f.next(&f.addMembership); err != nil {
		return groupstorage.Membership{}, err
	}
	return f.GroupsStore.AddMembership(ctx, m, limits)
}

func (f *faultStore) DiscardGroup(ctx context.Context, groupID, createJobID string) error {
	if err := f.next(&f.discard); err != nil {
		return err
	}
	return f.GroupsStore.DiscardGroup(ctx, groupID, createJobID)
}

func (f *faultStore) RemoveMembership(ctx context.Context, groupID, userID string) error {
	if f.alwaysRemove != nil {
		return f.alwaysRemove
	}
	if err := f.next(&f.remove); err != nil {
		return err
	}
	return f.GroupsStore.RemoveMembership(ctx, groupID, userID)
}

func (f *faultStore) RedeemInvite(ctx context.Context, inviteID string, m groupstorage.Membership, limits groupdomain.Limits) (groupstorage.Membership, error) {
	if f.beforeRedeem != nil {
		f.beforeRedeemOnce.Do(f.beforeRedeem)
	}
	if err := f.next(&f.redeem); err != nil {
		return groupstorage.Membership{}, err
	}
	return f.GroupsStore.RedeemInvite(ctx, inviteID, m, limits)
}

func (f *faultStore) CreateMessage(ctx context.Context, m groupstorage.Message) (groupstorage.Message, error) {
	if err := f.next(&f.createMessage); err != nil {
		return groupstorage.Message{}, err
	}
	return f.GroupsStore.CreateMessage(ctx, m)
}

func promptResponse(responseID, groupID, userID string) groupstorage.PromptResponse {
	return groupstorage.PromptResponse{
		ID:           responseID,
		GroupID:      groupID,
		UserID:       userID,
		PromptID:     "p1",
		ResponseDate: testNow.Format("2006-01-02"),
		Content:      "answer",
		CreatedAt:    testNow,
	}
}
