// Package execution implements the two-step proposal workflow used when an
// operator requires per-order approval. A proposal is created with an
// unguessable request id and a single-use confirm token; confirming within
// the TTL is the only way to release the underlying action.
package execution

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	requestIDBytes    = 12
	confirmTokenBytes = 16

	// DefaultTTL bounds how long an approval stays actionable.
	DefaultTTL = 120 * time.Second
)

// Proposal failure modes. These stay inside the trust boundary: the gateway
// collapses all of them into one generic caller-facing failure so the error
// channel cannot be used to probe for valid request ids.
var (
	ErrNotFound         = errors.New("proposal not found")
	ErrExpired          = errors.New("proposal expired")
	ErrCancelled        = errors.New("proposal cancelled")
	ErrAlreadyConfirmed = errors.New("proposal already confirmed")
	ErrInvalidToken     = errors.New("invalid confirm token")
)

// Proposal is one pending, replay-protected action. The payload is opaque to
// this package; the orchestration boundary owns its meaning.
type Proposal struct {
	RequestID    string
	ConfirmToken string
	Kind         string
	Payload      json.RawMessage
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ConfirmedAt  *time.Time
	CancelledAt  *time.Time
}

// Expired reports whether the proposal is past its TTL at now. Expiry is a
// derived read-time predicate; no explicit state transition is stored.
func (p *Proposal) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Terminal reports whether the proposal can never be confirmed again.
func (p *Proposal) Terminal(now time.Time) bool {
	return p.ConfirmedAt != nil || p.CancelledAt != nil || p.Expired(now)
}

func (p *Proposal) clone() *Proposal {
	out := *p
	out.Payload = append(json.RawMessage(nil), p.Payload...)
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		out.ConfirmedAt = &t
	}
	if p.CancelledAt != nil {
		t := *p.CancelledAt
		out.CancelledAt = &t
	}
	return &out
}

// newToken returns n cryptographically random bytes, hex encoded.
func newToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
