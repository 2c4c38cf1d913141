package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/gate"
	"github.com/broseph/broseph/internal/services/groups/storage"
	groupsqlite "github.com/broseph/broseph/internal/services/groups/storage/sqlite"
	workerdomain "github.com/broseph/broseph/internal/services/worker/domain"
	workerstorage "github.com/broseph/broseph/internal/services/worker/storage"
	workersqlite "github.com/broseph/broseph/internal/services/worker/storage/sqlite"
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func openGroupsStore(t *testing.T) *groupsqlite.Store {
	t.Helper()
	store, err := groupsqlite.Open(context.Background(), filepath.Join(t.TempDir(), "groups.db"))
	if err != nil {
		t.Fatalf("open groups store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openJobStore(t *testing.T) *workersqlite.Store {
	t.Helper()
	store, err := workersqlite.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedGroup(t *testing.T, store *groupsqlite.Store, groupID, ownerID string, members ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateGroup(ctx, storage.Group{
		ID:          groupID,
		Name:        "Group " + groupID,
		OwnerID:     ownerID,
		CreateJobID: "create-" + groupID,
		CreatedAt:   testNow,
	}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	for i, userID := range append([]string{ownerID}, members...) {
		role := domain.RoleMember
		if i == 0 {
			role = domain.RoleOwner
		}
		if _, err := store.AddMembership(ctx, storage.Membership{
			ID:       "m-" + groupID + "-" + userID,
			GroupID:  groupID,
			UserID:   userID,
			Role:     role,
			JobID:    "seed",
			JoinedAt: testNow.Add(time.Duration(i) * time.Minute),
		}, domain.DefaultLimits()); err != nil {
			t.Fatalf("add member %s: %v", userID, err)
		}
	}
}

func assertClass(t *testing.T, err error, class apperrors.Class, code apperrors.Code) {
	t.Helper()
	if got := apperrors.ClassOf(err); got != class {
		t.Fatalf("class = %q (err %v), want %q", got, err, class)
	}
	if got := apperrors.CodeOf(err); got != code {
		t.Fatalf("code = %q, want %q", got, code)
	}
}

func TestAdmitCollapsesDuplicateKeys(t *testing.T) {
	admission := NewAdmission(openJobStore(t), nil, fixedClock)
	payload := workerdomain.LeaveGroupPayload{GroupID: "g1", UserID: "u1"}

	first, err := admission.Admit(context.Background(), workerdomain.KindLeaveGroup, payload, "key-1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if first.JobID != "key-1" || first.Status != workerstorage.JobStatusPending {
		t.Fatalf("ticket = %+v", first)
	}
	second, err := admission.Admit(context.Background(), workerdomain.KindLeaveGroup, payload, "key-1")
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if second != first {
		t.Fatalf("re-admit ticket = %+v, want %+v", second, first)
	}

	_, err = admission.Admit(context.Background(), workerdomain.KindLeaveGroup, workerdomain.LeaveGroupPayload{GroupID: "g2", UserID: "u1"}, "key-1")
	assertClass(t, err, apperrors.ClassConflict, apperrors.CodeIdempotencyKeyReused)

	_, err = admission.Admit(context.Background(), workerdomain.KindLeaveGroup, payload, "  ")
	assertClass(t, err, apperrors.ClassValidation, apperrors.CodeValidation)
}

func TestJobStatus(t *testing.T) {
	jobs := openJobStore(t)
	admission := NewAdmission(jobs, nil, fixedClock)
	if _, err := admission.Admit(context.Background(), workerdomain.KindDeleteGroup, workerdomain.DeleteGroupPayload{GroupID: "g1", UserID: "u1"}, "job-1"); err != nil {
		t.Fatalf("admit: %v", err)
	}

	view, err := admission.JobStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if view.Status != workerstorage.JobStatusPending || view.Kind != string(workerdomain.KindDeleteGroup) || view.Result != nil {
		t.Fatalf("view = %+v", view)
	}

	_, err = admission.JobStatus(context.Background(), "missing")
	assertClass(t, err, apperrors.ClassNotFound, apperrors.CodeJobNotFound)
}

func TestServiceRejectionsNeverAdmit(t *testing.T) {
	groups := openGroupsStore(t)
	jobs := openJobStore(t)
	seedGroup(t, groups, "g1", "u1", "u2")
	service := NewService(gate.New(groups, domain.DefaultLimits(), fixedClock), NewAdmission(jobs, nil, fixedClock))

	tests := []struct {
		name  string
		run   func() error
		class apperrors.Class
		code  apperrors.Code
	}{
		{
			name: "delete by non-owner",
			run: func() error {
				_, err := service.DeleteGroup(context.Background(), "g1", "u2", "key-delete")
				return err
			},
			class: apperrors.ClassValidation,
			code:  apperrors.CodeNotGroupOwner,
		},
		{
			name: "leave by non-member",
			run: func() error {
				_, err := service.LeaveGroup(context.Background(), "g1", "u9", "key-leave")
				return err
			},
			class: apperrors.ClassValidation,
			code:  apperrors.CodeNotGroupMember,
		},
		{
			name: "blank group name",
			run: func() error {
				_, err := service.CreateGroup(context.Background(), "u1", " ", "key-create")
				return err
			},
			class: apperrors.ClassValidation,
			code:  apperrors.CodeGroupNameEmpty,
		},
		{
			name: "unknown invite",
			run: func() error {
				_, err := service.AcceptInvite(context.Background(), "tok-missing", "u3", "key-accept")
				return err
			},
			class: apperrors.ClassNotFound,
			code:  apperrors.CodeInviteNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertClass(t, tt.run(), tt.class, tt.code)
		})
	}

	for _, key := range []string{"key-delete", "key-leave", "key-create", "key-accept"} {
		if _, err := jobs.GetJob(context.Background(), key); !errors.Is(err, workerstorage.ErrNotFound) {
			t.Fatalf("job %s err = %v, want ErrNotFound", key, err)
		}
	}
}

func TestServiceAdmitsGatedJobs(t *testing.T) {
	groups := openGroupsStore(t)
	jobs := openJobStore(t)
	seedGroup(t, groups, "g1", "u1")
	if err := groups.CreateInvite(context.Background(), storage.Invite{
		ID:        "inv-1",
		GroupID:   "g1",
		InvitedBy: "u1",
		Token:     "tok-1",
		ExpiresAt: testNow.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create invite: %v", err)
	}
	service := NewService(gate.New(groups, domain.DefaultLimits(), fixedClock), NewAdmission(jobs, nil, fixedClock))

	ticket, err := service.AcceptInvite(context.Background(), "tok-1", "u2", "key-accept")
	if err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	job, err := jobs.GetJob(context.Background(), ticket.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	var payload workerdomain.AcceptInvitePayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	want := workerdomain.AcceptInvitePayload{InviteToken: "tok-1", InviteID: "inv-1", GroupID: "g1", UserID: "u2"}
	if payload != want {
		t.Fatalf("payload = %+v, want %+v", payload, want)
	}

	ticket, err = service.CreateGroup(context.Background(), "u2", "  Hiking ", "key-create")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	job, err = jobs.GetJob(context.Background(), ticket.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Kind != string(workerdomain.KindCreateGroup) || string(job.PayloadJSON) != `{"ownerId":"u2","name":"Hiking"}` {
		t.Fatalf("job = %s %s", job.Kind, job.PayloadJSON)
	}
}

func TestServiceReplaysAppliedRequests(t *testing.T) {
	groups := openGroupsStore(t)
	jobs := openJobStore(t)
	seedGroup(t, groups, "g1", "u1", "u3")
	if err := groups.CreateInvite(context.Background(), storage.Invite{
		ID:        "inv-1",
		GroupID:   "g1",
		InvitedBy: "u1",
		Token:     "tok-1",
		ExpiresAt: testNow.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create invite: %v", err)
	}
	service := NewService(gate.New(groups, domain.DefaultLimits(), fixedClock), NewAdmission(jobs, nil, fixedClock))
	deps := workerdomain.Dependencies{Store: groups, Clock: fixedClock}

	accepted, err := service.AcceptInvite(context.Background(), "tok-1", "u2", "key-accept")
	if err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	left, err := service.LeaveGroup(context.Background(), "g1", "u3", "key-leave")
	if err != nil {
		t.Fatalf("leave group: %v", err)
	}

	apply := func(kind workerdomain.Kind, jobID string, handler workerdomain.Handler) {
		t.Helper()
		job, err := jobs.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		outcome := handler.Handle(context.Background(), workerdomain.Job{ID: job.ID, Kind: kind, Payload: job.PayloadJSON, Attempt: 1})
		if outcome.Status != workerdomain.StatusSucceeded {
			t.Fatalf("apply %s: %s (%v)", jobID, outcome.Status, outcome.Err)
		}
	}
	apply(workerdomain.KindAcceptInvite, accepted.JobID, workerdomain.NewAcceptInviteHandler(deps))
	apply(workerdomain.KindLeaveGroup, left.JobID, workerdomain.NewLeaveGroupHandler(deps))

	// The gate would now reject both: u2 is a member and u3 is not.
	again, err := service.AcceptInvite(context.Background(), "tok-1", "u2", "key-accept")
	if err != nil {
		t.Fatalf("accept invite resend: %v", err)
	}
	if again.JobID != accepted.JobID {
		t.Fatalf("accept resend job = %q, want %q", again.JobID, accepted.JobID)
	}
	again, err = service.LeaveGroup(context.Background(), "g1", "u3", "key-leave")
	if err != nil {
		t.Fatalf("leave group resend: %v", err)
	}
	if again.JobID != left.JobID {
		t.Fatalf("leave resend job = %q, want %q", again.JobID, left.JobID)
	}

	// A fresh key still goes through the gate.
	_, err = service.AcceptInvite(context.Background(), "tok-1", "u2", "key-accept-2")
	assertClass(t, err, apperrors.ClassConflict, apperrors.CodeAlreadyMember)
	// So does a reused key with a different request.
	_, err = service.LeaveGroup(context.Background(), "g1", "u2", "key-leave")
	assertClass(t, err, apperrors.ClassConflict, apperrors.CodeIdempotencyKeyReused)
}

func TestServiceSendMessage(t *testing.T) {
	groups := openGroupsStore(t)
	jobs := openJobStore(t)
	seedGroup(t, groups, "g1", "u1")
	service := NewService(gate.New(groups, domain.DefaultLimits(), fixedClock), NewAdmission(jobs, nil, fixedClock))

	ticket, err := service.SendMessage(context.Background(), SendMessageInput{
		GroupID:   "g1",
		UserID:    "u1",
		Content:   "  hi all ",
		ImageURLs: []string{"https://img/1", " "},
	}, "key-send")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	job, err := jobs.GetJob(context.Background(), ticket.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	want := `{"groupId":"g1","senderId":"u1","content":"hi all","imageUrls":["https://img/1"]}`
	if job.Kind != string(workerdomain.KindSendMessage) || string(job.PayloadJSON) != want {
		t.Fatalf("job = %s %s", job.Kind, job.PayloadJSON)
	}

	_, err = service.SendMessage(context.Background(), SendMessageInput{GroupID: "g1", UserID: "u9", Content: "hi"}, "key-outsider")
	assertClass(t, err, apperrors.ClassValidation, apperrors.CodeNotGroupMember)
	_, err = service.SendMessage(context.Background(), SendMessageInput{GroupID: "g1", UserID: "u1", Content: " "}, "key-empty")
	assertClass(t, err, apperrors.ClassValidation, apperrors.CodeMessageEmpty)
	for _, key := range []string{"key-outsider", "key-empty"} {
		if _, err := jobs.GetJob(context.Background(), key); !errors.Is(err, workerstorage.ErrNotFound) {
			t.Fatalf("job %s err = %v, want ErrNotFound", key, err)
		}
	}
}
