package domain

import (
	"errors"
	"testing"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
)

func TestFromErrorClassifies(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{name: "nil", err: nil, want: StatusSucceeded},
		{name: "transient", err: apperrors.Transient("ping", errors.New("down")), want: StatusRetry},
		{name: "unclassified", err: errors.New("disk I/O error"), want: StatusRetry},
		{name: "invariant", err: apperrors.Invariant(apperrors.CodeGroupFull, "full"), want: StatusFailed},
		{name: "conflict", err: apperrors.Conflict(apperrors.CodeInviteAlreadyUsed, "used"), want: StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromError(tt.err).Status; got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOutcomeCode(t *testing.T) {
	outcome := Failed(apperrors.Invariant(apperrors.CodeInviteExpired, "expired"))
	if outcome.Code() != apperrors.CodeInviteExpired {
		t.Fatalf("code = %s", outcome.Code())
	}
	if Succeeded(nil).Code() != "" {
		t.Fatal("expected empty code for success")
	}
}
