package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"readytrader/internal/execution"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS execution_proposals (
        request_id    TEXT PRIMARY KEY,
        confirm_token TEXT NOT NULL,
        kind          TEXT NOT NULL,
        payload       JSONB NOT NULL,
        created_at    TIMESTAMPTZ NOT NULL,
        expires_at    TIMESTAMPTZ NOT NULL,
        confirmed_at  TIMESTAMPTZ,
        cancelled_at  TIMESTAMPTZ,
        session_id    TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS audit_events (
        id         BIGSERIAL PRIMARY KEY,
        at         TIMESTAMPTZ NOT NULL DEFAULT now(),
        session_id TEXT NOT NULL,
        kind       TEXT NOT NULL,
        detail     JSONB NOT NULL
    );`

	upsertProposalSQL = `INSERT INTO execution_proposals (
        request_id,
        confirm_token,
        kind,
        payload,
        created_at,
        expires_at,
        confirmed_at,
        cancelled_at,
        session_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (request_id) DO UPDATE
    SET confirmed_at = EXCLUDED.confirmed_at,
        cancelled_at = EXCLUDED.cancelled_at;`

	loadProposalSQL = `SELECT
        request_id,
        confirm_token,
        kind,
        payload,
        created_at,
        expires_at,
        confirmed_at,
        cancelled_at,
        session_id
    FROM execution_proposals
    WHERE request_id = $1;`

	listPendingProposalsSQL = `SELECT
        request_id,
        kind,
        created_at,
        expires_at
    FROM execution_proposals
    WHERE session_id = $1
      AND confirmed_at IS NULL
      AND cancelled_at IS NULL
      AND expires_at > $2
    ORDER BY created_at;`

	listRecentProposalsSQL = `SELECT
        request_id,
        confirm_token,
        kind,
        payload,
        created_at,
        expires_at,
        confirmed_at,
        cancelled_at,
        session_id
    FROM execution_proposals
    ORDER BY created_at DESC
    LIMIT $1;`

	insertAuditEventSQL = `INSERT INTO audit_events (
        session_id,
        kind,
        detail
    ) VALUES (
        $1,$2,$3
    );`

	listRecentAuditEventsSQL = `SELECT
        id,
        at,
        session_id,
        kind,
        detail
    FROM audit_events
    ORDER BY at DESC
    LIMIT $1;`
)

// Repository persists proposals and audit events in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an initialised pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Close releases the underlying pool.
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// EnsureSchema creates the tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r.pool == nil {
		return ErrNotConfigured
	}
	if _, err := r.pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertProposal mirrors an in-memory proposal into the audit table.
func (r *Repository) UpsertProposal(ctx context.Context, p *execution.Proposal, sessionID string) error {
	if r.pool == nil {
		return ErrNotConfigured
	}

	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err := r.pool.Exec(ctx, upsertProposalSQL,
		p.RequestID,
		p.ConfirmToken,
		p.Kind,
		payload,
		p.CreatedAt,
		p.ExpiresAt,
		p.ConfirmedAt,
		p.CancelledAt,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("upsert proposal: %w", err)
	}
	return nil
}

// LoadProposal returns the persisted proposal, or nil when it is absent or
// was created by a different process session. The session filter is a safety
// rule, not an optimisation: stale approvals must not survive a restart.
func (r *Repository) LoadProposal(ctx context.Context, requestID, sessionID string) (*execution.Proposal, error) {
	if r.pool == nil {
		return nil, ErrNotConfigured
	}

	var row ProposalRow
	err := r.pool.QueryRow(ctx, loadProposalSQL, requestID).Scan(
		&row.RequestID,
		&row.ConfirmToken,
		&row.Kind,
		&row.Payload,
		&row.CreatedAt,
		&row.ExpiresAt,
		&row.ConfirmedAt,
		&row.CancelledAt,
		&row.SessionID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	if row.SessionID != sessionID {
		return nil, nil
	}

	return &execution.Proposal{
		RequestID:    row.RequestID,
		ConfirmToken: row.ConfirmToken,
		Kind:         row.Kind,
		Payload:      row.Payload,
		CreatedAt:    row.CreatedAt,
		ExpiresAt:    row.ExpiresAt,
		ConfirmedAt:  row.ConfirmedAt,
		CancelledAt:  row.CancelledAt,
	}, nil
}

// ListPendingProposals returns live same-session proposals.
func (r *Repository) ListPendingProposals(ctx context.Context, sessionID string, now time.Time) ([]execution.PendingProposal, error) {
	if r.pool == nil {
		return nil, ErrNotConfigured
	}

	rows, err := r.pool.Query(ctx, listPendingProposalsSQL, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	defer rows.Close()

	var out []execution.PendingProposal
	for rows.Next() {
		var p execution.PendingProposal
		if err := rows.Scan(&p.RequestID, &p.Kind, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan pending proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListRecentProposals returns the newest rows across all sessions, for
// operator inspection after restarts.
func (r *Repository) ListRecentProposals(ctx context.Context, limit int) ([]ProposalRow, error) {
	if r.pool == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, listRecentProposalsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent proposals: %w", err)
	}
	defer rows.Close()

	var out []ProposalRow
	for rows.Next() {
		var row ProposalRow
		if err := rows.Scan(
			&row.RequestID,
			&row.ConfirmToken,
			&row.Kind,
			&row.Payload,
			&row.CreatedAt,
			&row.ExpiresAt,
			&row.ConfirmedAt,
			&row.CancelledAt,
			&row.SessionID,
		); err != nil {
			return nil, fmt.Errorf("scan proposal row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AppendAudit writes one audit event.
func (r *Repository) AppendAudit(ctx context.Context, sessionID, kind string, detail json.RawMessage) error {
	if r.pool == nil {
		return ErrNotConfigured
	}
	if len(detail) == 0 {
		detail = json.RawMessage(`{}`)
	}
	if _, err := r.pool.Exec(ctx, insertAuditEventSQL, sessionID, kind, detail); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListRecentAuditEvents returns the newest audit records.
func (r *Repository) ListRecentAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if r.pool == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, listRecentAuditEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.At, &e.SessionID, &e.Kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ execution.Repository = (*Repository)(nil)
