package storage

import (
	"encoding/json"
	"time"
)

// ProposalRow is the persisted shape of an execution proposal, including the
// session id of the process that created it.
type ProposalRow struct {
	RequestID    string
	ConfirmToken string
	Kind         string
	Payload      json.RawMessage
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ConfirmedAt  *time.Time
	CancelledAt  *time.Time
	SessionID    string
}

// AuditEvent is one append-only audit record. Detail is free-form JSON; the
// table exists for operators, not for correctness.
type AuditEvent struct {
	ID        int64
	At        time.Time
	SessionID string
	Kind      string
	Detail    json.RawMessage
}
