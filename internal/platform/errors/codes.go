// Package errors provides classified domain errors shared by the request
// path and the worker.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Class groups error codes by how callers must react to them.
type Class string

const (
	// ClassValidation is a caller error caught before or during application.
	ClassValidation Class = "VALIDATION_FAILURE"
	// ClassConflict is a state collision (already used, already answered).
	ClassConflict Class = "CONFLICT"
	// ClassNotFound means a referenced group, invite, or membership is absent.
	ClassNotFound Class = "NOT_FOUND"
	// ClassInvariant is an apply-time re-validation failure after the gate passed.
	ClassInvariant Class = "INVARIANT_VIOLATION"
	// ClassTransient is an unreachable or timed-out dependency; retried.
	ClassTransient Class = "TRANSIENT_INFRA"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Group errors
	CodeGroupNotFound    Code = "GROUP_NOT_FOUND"
	CodeGroupFull        Code = "GROUP_FULL"
	CodeGroupNameEmpty   Code = "GROUP_NAME_EMPTY"
	CodeGroupNameTooLong Code = "GROUP_NAME_TOO_LONG"
	CodeGroupHasMembers  Code = "GROUP_HAS_MEMBERS"

	// Member errors
	CodeUserGroupLimit Code = "USER_GROUP_LIMIT"
	CodeNotGroupMember Code = "NOT_GROUP_MEMBER"
	CodeNotGroupOwner  Code = "NOT_GROUP_OWNER"
	CodeAlreadyMember  Code = "ALREADY_MEMBER"

	// Invite errors
	CodeInviteNotFound    Code = "INVITE_NOT_FOUND"
	CodeInviteExpired     Code = "INVITE_EXPIRED"
	CodeInviteAlreadyUsed Code = "INVITE_ALREADY_USED"
	CodeInviteMismatch    Code = "INVITE_MISMATCH"

	// Prompt errors
	CodePromptAlreadyAnswered Code = "PROMPT_ALREADY_ANSWERED"
	CodePromptContentEmpty    Code = "PROMPT_CONTENT_EMPTY"

	// Message errors
	CodeMessageEmpty             Code = "MESSAGE_EMPTY"
	CodeMessageTooLong           Code = "MESSAGE_TOO_LONG"
	CodeMessageTooManyImages     Code = "MESSAGE_TOO_MANY_IMAGES"
	CodeMessageReferenceNotFound Code = "MESSAGE_REFERENCE_NOT_FOUND"

	// Job errors
	CodeJobNotFound          Code = "JOB_NOT_FOUND"
	CodeJobPayloadInvalid    Code = "JOB_PAYLOAD_INVALID"
	CodeUnknownJobKind       Code = "UNKNOWN_JOB_KIND"
	CodeIdempotencyKeyReused Code = "IDEMPOTENCY_KEY_REUSED"
	CodeAttemptsExhausted    Code = "ATTEMPTS_EXHAUSTED"

	// Generic errors
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeStateRace   Code = "STATE_RACE"
	CodeUnavailable Code = "STORE_UNAVAILABLE"
	CodeInternal    Code = "INTERNAL_ERROR"
)

var defaultMessages = map[Code]string{
	CodeGroupNotFound:            "Group not found",
	CodeGroupFull:                "This group has reached its member limit",
	CodeGroupNameEmpty:           "Group name cannot be empty",
	CodeGroupNameTooLong:         "Group name is too long",
	CodeGroupHasMembers:          "Cannot delete group that has other members",
	CodeUserGroupLimit:           "You've reached the maximum number of groups",
	CodeNotGroupMember:           "You're not a member of this group",
	CodeNotGroupOwner:            "Only the group owner can perform this action",
	CodeAlreadyMember:            "You're already a member of this group",
	CodeInviteNotFound:           "Invite not found",
	CodeInviteExpired:            "This invite has expired",
	CodeInviteAlreadyUsed:        "This invite has already been used",
	CodeInviteMismatch:           "Invite does not match the requested group",
	CodePromptAlreadyAnswered:    "You've already answered today's prompt",
	CodePromptContentEmpty:       "Response must have content or an image",
	CodeMessageEmpty:             "Message must have content or an image",
	CodeMessageTooLong:           "Message is too long",
	CodeMessageTooManyImages:     "Message has too many images",
	CodeMessageReferenceNotFound: "Replied-to message or prompt response not found",
	CodeJobNotFound:              "Job not found",
	CodeIdempotencyKeyReused:     "Idempotency key was already used for a different request",
	CodeValidation:               "Invalid request data",
	CodeUnavailable:              "Service temporarily unavailable",
	CodeInternal:                 "An unexpected error occurred",
}

// DefaultMessage returns the user-facing message for a code.
func (c Code) DefaultMessage() string {
	if msg, ok := defaultMessages[c]; ok {
		return msg
	}
	return defaultMessages[CodeInternal]
}

// Retryable reports whether errors of this class should be requeued.
func (c Class) Retryable() bool {
	return c == ClassTransient
}

// HTTPStatus maps an error class to the status code returned synchronously.
func (c Class) HTTPStatus() int {
	switch c {
	case ClassValidation:
		return http.StatusUnprocessableEntity
	case ClassConflict, ClassInvariant:
		return http.StatusConflict
	case ClassNotFound:
		return http.StatusNotFound
	case ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error class to a gRPC status code.
func (c Class) GRPCCode() codes.Code {
	switch c {
	case ClassValidation:
		return codes.InvalidArgument
	case ClassConflict:
		return codes.AlreadyExists
	case ClassInvariant:
		return codes.FailedPrecondition
	case ClassNotFound:
		return codes.NotFound
	case ClassTransient:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
