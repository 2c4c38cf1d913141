package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/storage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCreateGroupIsKeyedByCreateJob(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	first, err := store.CreateGroup(ctx, storage.Group{ID: "g1", Name: "Crew", OwnerID: "u1", CreateJobID: "job-1", CreatedAt: testNow})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	second, err := store.CreateGroup(ctx, storage.Group{ID: "g2", Name: "Crew", OwnerID: "u1", CreateJobID: "job-1", CreatedAt: testNow})
	if err != nil {
		t.Fatalf("create group replay: %v", err)
	}
	if first.ID != "g1" || second.ID != "g1" {
		t.Fatalf("ids = %q, %q, want g1 both times", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(testNow) {
		t.Fatalf("created at = %v, want %v", second.CreatedAt, testNow)
	}
	if _, err := store.GetGroup(ctx, "g2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get g2 err = %v, want ErrNotFound", err)
	}
}

func TestCreateGroupAfterDeleteReportsTombstone(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")
	if err := store.DeleteGroup(ctx, storage.DeleteGroupInput{GroupID: "g1", ActorID: "u1", JobID: "job-del", RequireOwner: true, DeletedAt: testNow}); err != nil {
		t.Fatalf("delete group: %v", err)
	}

	got, err := store.CreateGroup(ctx, storage.Group{ID: "g-new", Name: "Group g1", OwnerID: "u1", CreateJobID: "create-g1", CreatedAt: testNow})
	if !errors.Is(err, storage.ErrGroupDeleted) {
		t.Fatalf("create replay err = %v, want ErrGroupDeleted", err)
	}
	if got.ID != "g1" || got.CreateJobID != "create-g1" {
		t.Fatalf("group = %+v, want deleted g1", got)
	}
	if _, err := store.GetGroup(ctx, "g-new"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get g-new err = %v, want ErrNotFound", err)
	}
}

func TestAddMembershipEnforcesBounds(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	limits := domain.Limits{MaxGroupsPerUser: 2, MaxMembersPerGroup: 2}

	seedGroup(t, store, "g1", "u1")
	seedGroup(t, store, "g2", "u2")
	seedGroup(t, store, "g3", "u3")

	member, err := store.AddMembership(ctx, storage.Membership{ID: "m-g1-u2", GroupID: "g1", UserID: "u2", Role: domain.RoleMember, JobID: "job-join"}, limits)
	if err != nil {
		t.Fatalf("add membership: %v", err)
	}
	if member.Seq == 0 {
		t.Fatal("expected seq to be assigned")
	}

	_, err = store.AddMembership(ctx, storage.Membership{ID: "m-g1-u3", GroupID: "g1", UserID: "u3", Role: domain.RoleMember}, limits)
	if !errors.Is(err, storage.ErrGroupFull) {
		t.Fatalf("third member err = %v, want ErrGroupFull", err)
	}

	_, err = store.AddMembership(ctx, storage.Membership{ID: "m-g3-u2", GroupID: "g3", UserID: "u2", Role: domain.RoleMember}, limits)
	if !errors.Is(err, storage.ErrUserGroupLimit) {
		t.Fatalf("third group err = %v, want ErrUserGroupLimit", err)
	}

	_, err = store.AddMembership(ctx, storage.Membership{ID: "m-dup", GroupID: "g1", UserID: "u2", Role: domain.RoleMember}, limits)
	if !errors.Is(err, storage.ErrAlreadyMember) {
		t.Fatalf("duplicate err = %v, want ErrAlreadyMember", err)
	}

	_, err = store.AddMembership(ctx, storage.Membership{ID: "m-missing", GroupID: "nope", UserID: "u9", Role: domain.RoleMember}, limits)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing group err = %v, want ErrNotFound", err)
	}

	count, err := store.CountMembers(ctx, "g1")
	if err != nil {
		t.Fatalf("count members: %v", err)
	}
	if count != 2 {
		t.Fatalf("members = %d, want 2", count)
	}
	groups, err := store.CountUserGroups(ctx, "u2")
	if err != nil {
		t.Fatalf("count user groups: %v", err)
	}
	if groups != 2 {
		t.Fatalf("user groups = %d, want 2", groups)
	}
}

func TestListMembershipsBreaksJoinTiesBySeq(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")

	for _, user := range []string{"u3", "u2"} {
		if _, err := store.AddMembership(ctx, storage.Membership{
			ID:       "m-" + user,
			GroupID:  "g1",
			UserID:   user,
			Role:     domain.RoleMember,
			JoinedAt: testNow.Add(time.Hour),
		}, domain.DefaultLimits()); err != nil {
			t.Fatalf("add %s: %v", user, err)
		}
	}

	members, err := store.ListMemberships(ctx, "g1")
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	got := []string{members[0].UserID, members[1].UserID, members[2].UserID}
	want := []string{"u1", "u3", "u2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestTransferOwnershipAndRemoveMembership(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")
	addMember(t, store, "g1", "u2")

	if err := store.RemoveMembership(ctx, "g1", "u1"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("remove owner err = %v, want ErrConflict", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.TransferOwnership(ctx, "g1", "u1", "u2", "job-leave"); err != nil {
			t.Fatalf("transfer pass %d: %v", i, err)
		}
	}
	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.OwnerID != "u2" || group.OwnerTransferJobID != "job-leave" {
		t.Fatalf("group = %+v, want owner u2 moved by job-leave", group)
	}
	assertRole(t, store, "g1", "u2", domain.RoleOwner)
	assertRole(t, store, "g1", "u1", domain.RoleMember)

	if err := store.RemoveMembership(ctx, "g1", "u1"); err != nil {
		t.Fatalf("remove former owner: %v", err)
	}
	if err := store.RemoveMembership(ctx, "g1", "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second remove err = %v, want ErrNotFound", err)
	}
	if err := store.RemoveMembership(ctx, "g1", "u2"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("remove last member err = %v, want ErrConflict", err)
	}
}

func TestTransferOwnershipRollsBackWhenSuccessorMissing(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")

	if err := store.TransferOwnership(ctx, "g1", "u1", "ghost", "job-leave"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("transfer err = %v, want ErrConflict", err)
	}
	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.OwnerID != "u1" || group.OwnerTransferJobID != "" {
		t.Fatalf("group = %+v, want owner u1 after rollback", group)
	}
	if err := store.TransferOwnership(ctx, "nope", "u1", "u2", "job-leave"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing group err = %v, want ErrNotFound", err)
	}
}

func TestDeleteGroupConditionsAndTombstone(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")
	addMember(t, store, "g1", "u2")

	input := storage.DeleteGroupInput{GroupID: "g1", ActorID: "u1", JobID: "job-del", RequireOwner: true, DeletedAt: testNow}
	if err := store.DeleteGroup(ctx, input); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("delete with members err = %v, want ErrConflict", err)
	}
	if err := store.DeleteGroup(ctx, storage.DeleteGroupInput{GroupID: "g1", ActorID: "u2", JobID: "job-x", RequireOwner: true}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("delete by non-owner err = %v, want ErrConflict", err)
	}

	if err := store.RemoveMembership(ctx, "g1", "u2"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if err := store.DeleteGroup(ctx, input); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	if _, err := store.GetGroup(ctx, "g1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get deleted group err = %v, want ErrNotFound", err)
	}
	if count, err := store.CountMembers(ctx, "g1"); err != nil || count != 0 {
		t.Fatalf("members after delete = %d (%v), want 0", count, err)
	}
	tomb, err := store.GetTombstone(ctx, "g1")
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if tomb.JobID != "job-del" || tomb.CreateJobID != "create-g1" || tomb.DeletedBy != "u1" {
		t.Fatalf("tombstone = %+v", tomb)
	}
	if err := store.DeleteGroup(ctx, input); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestDiscardGroupOnlyRemovesItsOwnCreation(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")

	if err := store.DiscardGroup(ctx, "g1", "other-job"); err != nil {
		t.Fatalf("discard other job: %v", err)
	}
	if _, err := store.GetGroup(ctx, "g1"); err != nil {
		t.Fatalf("group should survive foreign discard: %v", err)
	}
	if err := store.DiscardGroup(ctx, "g1", "create-g1"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := store.GetGroup(ctx, "g1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get discarded group err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetTombstone(ctx, "g1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("discard should not write tombstone, err = %v", err)
	}
}

func TestInviteLifecycle(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")

	invite := storage.Invite{
		ID:        "inv-1",
		GroupID:   "g1",
		InvitedBy: "u1",
		Token:     "tok-1",
		Email:     " friend@example.com ",
		ExpiresAt: testNow.Add(7 * 24 * time.Hour),
		CreatedAt: testNow,
	}
	if err := store.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if err := store.CreateInvite(ctx, invite); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate invite err = %v, want ErrConflict", err)
	}
	invite.ID, invite.Token, invite.GroupID = "inv-2", "tok-2", "missing"
	if err := store.CreateInvite(ctx, invite); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("invite for missing group err = %v, want ErrNotFound", err)
	}

	got, err := store.GetInviteByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if got.Used() || got.Email != "friend@example.com" {
		t.Fatalf("invite = %+v", got)
	}

	redeemer := storage.Membership{ID: "m-g1-u2", GroupID: "g1", UserID: "u2", Role: domain.RoleMember, JobID: "job-a", JoinedAt: testNow}
	member, err := store.RedeemInvite(ctx, "inv-1", redeemer, domain.DefaultLimits())
	if err != nil {
		t.Fatalf("redeem invite: %v", err)
	}
	if member.Seq == 0 || member.JobID != "job-a" {
		t.Fatalf("membership = %+v", member)
	}
	if _, err := store.RedeemInvite(ctx, "inv-1", redeemer, domain.DefaultLimits()); !errors.Is(err, storage.ErrAlreadyMember) {
		t.Fatalf("redeem replay err = %v, want ErrAlreadyMember", err)
	}
	other := storage.Membership{ID: "m-g1-u3", GroupID: "g1", UserID: "u3", Role: domain.RoleMember, JobID: "job-b", JoinedAt: testNow}
	if _, err := store.RedeemInvite(ctx, "inv-1", other, domain.DefaultLimits()); !errors.Is(err, storage.ErrInviteUsed) {
		t.Fatalf("redeem by other err = %v, want ErrInviteUsed", err)
	}
	if _, err := store.RedeemInvite(ctx, "missing", other, domain.DefaultLimits()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("redeem missing err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetMembership(ctx, "g1", "u3"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("loser membership err = %v, want ErrNotFound", err)
	}

	got, err = store.GetInviteByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get used invite: %v", err)
	}
	if !got.Used() || got.UsedBy != "u2" || got.UsedJobID != "job-a" || !got.UsedAt.Equal(testNow) {
		t.Fatalf("used invite = %+v", got)
	}
	if _, err := store.GetInviteByToken(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing token err = %v, want ErrNotFound", err)
	}
}

func TestRedeemInviteRollsBackRejectedMembership(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")
	for _, invite := range []storage.Invite{
		{ID: "inv-open", GroupID: "g1", InvitedBy: "u1", Token: "tok-open", ExpiresAt: testNow.Add(time.Hour), CreatedAt: testNow},
		{ID: "inv-old", GroupID: "g1", InvitedBy: "u1", Token: "tok-old", ExpiresAt: testNow, CreatedAt: testNow.Add(-time.Hour)},
	} {
		if err := store.CreateInvite(ctx, invite); err != nil {
			t.Fatalf("create invite %s: %v", invite.ID, err)
		}
	}
	joiner := storage.Membership{ID: "m-g1-u2", GroupID: "g1", UserID: "u2", Role: domain.RoleMember, JobID: "job-a", JoinedAt: testNow}

	full := domain.Limits{MaxGroupsPerUser: 5, MaxMembersPerGroup: 1}
	if _, err := store.RedeemInvite(ctx, "inv-open", joiner, full); !errors.Is(err, storage.ErrGroupFull) {
		t.Fatalf("redeem into full group err = %v, want ErrGroupFull", err)
	}
	got, err := store.GetInviteByToken(ctx, "tok-open")
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if got.Used() {
		t.Fatalf("invite = %+v, want claim rolled back", got)
	}

	if _, err := store.RedeemInvite(ctx, "inv-old", joiner, domain.DefaultLimits()); !errors.Is(err, storage.ErrInviteExpired) {
		t.Fatalf("redeem expired err = %v, want ErrInviteExpired", err)
	}
	joiner.GroupID = "g2"
	if _, err := store.RedeemInvite(ctx, "inv-open", joiner, domain.DefaultLimits()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("redeem for another group err = %v, want ErrNotFound", err)
	}
	if count, err := store.CountMembers(ctx, "g1"); err != nil || count != 1 {
		t.Fatalf("members = %d (%v), want 1", count, err)
	}
}

func TestPromptResponsesAreUniquePerDay(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")

	response := storage.PromptResponse{
		ID: "r1", GroupID: "g1", UserID: "u1", PromptID: "p3",
		ResponseDate: "2026-03-01", Content: "hello", CreatedAt: testNow,
	}
	if err := store.CreatePromptResponse(ctx, response); err != nil {
		t.Fatalf("create response: %v", err)
	}
	response.ID = "r2"
	if err := store.CreatePromptResponse(ctx, response); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second response err = %v, want ErrConflict", err)
	}
	response.ID, response.ResponseDate = "r3", "2026-03-02"
	if err := store.CreatePromptResponse(ctx, response); err != nil {
		t.Fatalf("next day response: %v", err)
	}

	responses, err := store.ListUserPromptResponses(ctx, "u1", "2026-03-01")
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(responses) != 1 || responses[0].ID != "r1" {
		t.Fatalf("responses = %+v", responses)
	}
}

func TestCreateMessageIsKeyedByJob(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")
	addMember(t, store, "g1", "u2")

	msg := storage.Message{
		ID: "msg-1", GroupID: "g1", SenderID: "u2", Content: "hello",
		ImageURLs: []string{"https://img/1"}, JobID: "job-send", CreatedAt: testNow,
	}
	first, err := store.CreateMessage(ctx, msg)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if first.Type != domain.MessageTypeChat || len(first.ImageURLs) != 1 || !first.CreatedAt.Equal(testNow) {
		t.Fatalf("message = %+v", first)
	}

	if err := store.RemoveMembership(ctx, "g1", "u2"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	msg.ID = "msg-replay"
	replay, err := store.CreateMessage(ctx, msg)
	if err != nil {
		t.Fatalf("create message replay: %v", err)
	}
	if replay.ID != "msg-1" {
		t.Fatalf("replay id = %q, want msg-1", replay.ID)
	}

	_, err = store.CreateMessage(ctx, storage.Message{ID: "msg-2", GroupID: "g1", SenderID: "u2", Content: "again", JobID: "job-2"})
	if !errors.Is(err, storage.ErrNotMember) {
		t.Fatalf("non-member err = %v, want ErrNotMember", err)
	}
	_, err = store.CreateMessage(ctx, storage.Message{ID: "msg-3", GroupID: "g1", SenderID: "u1", Content: "re", ReplyToID: "nope", JobID: "job-3"})
	if !errors.Is(err, storage.ErrReferenceNotFound) {
		t.Fatalf("missing reply target err = %v, want ErrReferenceNotFound", err)
	}
	_, err = store.CreateMessage(ctx, storage.Message{ID: "msg-4", GroupID: "missing", SenderID: "u1", Content: "hi", JobID: "job-4"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing group err = %v, want ErrNotFound", err)
	}

	reply, err := store.CreateMessage(ctx, storage.Message{ID: "msg-5", GroupID: "g1", SenderID: "u1", Content: "re", ReplyToID: "msg-1", JobID: "job-5"})
	if err != nil {
		t.Fatalf("create reply: %v", err)
	}
	got, err := store.GetMessage(ctx, "msg-5")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.ReplyToID != "msg-1" || got.JobID != "job-5" || len(got.ImageURLs) != 0 || reply.ID != got.ID {
		t.Fatalf("message = %+v", got)
	}
	if _, err := store.GetMessage(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing err = %v, want ErrNotFound", err)
	}
}

func TestListUserGroups(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedGroup(t, store, "g1", "u1")
	seedGroup(t, store, "g2", "u2")
	addMember(t, store, "g2", "u1")

	groups, err := store.ListUserGroups(ctx, "u1")
	if err != nil {
		t.Fatalf("list user groups: %v", err)
	}
	if len(groups) != 2 || groups[0].ID != "g1" || groups[1].ID != "g2" {
		t.Fatalf("groups = %+v", groups)
	}
}

func TestMethodsRejectCancelledContext(t *testing.T) {
	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.GetGroup(ctx, "g1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("get group err = %v, want context.Canceled", err)
	}
	if _, err := store.AddMembership(ctx, storage.Membership{}, domain.DefaultLimits()); !errors.Is(err, context.Canceled) {
		t.Fatalf("add membership err = %v, want context.Canceled", err)
	}
}

func seedGroup(t *testing.T, store *Store, groupID, ownerID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateGroup(ctx, storage.Group{
		ID:          groupID,
		Name:        "Group " + groupID,
		OwnerID:     ownerID,
		CreateJobID: "create-" + groupID,
		CreatedAt:   testNow,
	}); err != nil {
		t.Fatalf("create group %s: %v", groupID, err)
	}
	if _, err := store.AddMembership(ctx, storage.Membership{
		ID:       "m-" + groupID + "-" + ownerID,
		GroupID:  groupID,
		UserID:   ownerID,
		Role:     domain.RoleOwner,
		JobID:    "create-" + groupID,
		JoinedAt: testNow,
	}, domain.DefaultLimits()); err != nil {
		t.Fatalf("add owner %s: %v", ownerID, err)
	}
}

func addMember(t *testing.T, store *Store, groupID, userID string) {
	t.Helper()
	if _, err := store.AddMembership(context.Background(), storage.Membership{
		ID:       "m-" + groupID + "-" + userID,
		GroupID:  groupID,
		UserID:   userID,
		Role:     domain.RoleMember,
		JoinedAt: testNow.Add(time.Minute),
	}, domain.DefaultLimits()); err != nil {
		t.Fatalf("add member %s: %v", userID, err)
	}
}

func assertRole(t *testing.T, store *Store, groupID, userID string, want domain.Role) {
	t.Helper()
	m, err := store.GetMembership(context.Background(), groupID, userID)
	if err != nil {
		t.Fatalf("get membership %s: %v", userID, err)
	}
	if m.Role != want {
		t.Fatalf("role of %s = %q, want %q", userID, m.Role, want)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "groups.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
