// Package id generates opaque identifiers for groups, memberships, invites,
// and jobs.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// keyNamespace scopes derived idempotency keys.
var keyNamespace = uuid.MustParse("6f1c7b0e-52a3-4c55-9a57-0c6a2d86b1f4")

// NewID returns a random UUIDv4 encoded as 26 lowercase base32 characters.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return encode(u), nil
}

// DerivedKey returns a stable identifier for the given parts. Identical parts
// always map to the same key, which makes it usable as an idempotency key for
// logically identical requests.
func DerivedKey(parts ...string) string {
	return encode(uuid.NewSHA1(keyNamespace, []byte(strings.Join(parts, "\x1f"))))
}

func encode(u uuid.UUID) string {
	return strings.ToLower(encoding.EncodeToString(u[:]))
}
