package execution

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// persistTimeout bounds best-effort repository writes so persistence can
// never stall the in-memory operation it shadows.
const persistTimeout = 2 * time.Second

// compactionGrace keeps terminal proposals visible for a while after they
// die, for operator inspection through ListPending's persisted view.
const compactionGrace = time.Hour

// PendingProposal is the operator-visible summary of a live proposal. The
// confirm token is deliberately absent.
type PendingProposal struct {
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiredProposal summarizes a proposal whose TTL lapsed without a confirm
// or cancel. Compact reports each one exactly once.
type ExpiredProposal struct {
	RequestID string
	Kind      string
	ExpiresAt time.Time
}

// Repository persists proposals for audit and recovery. Implementations must
// filter loads by session id: a row from a previous process lifetime is
// reported as absent, never as a confirmable proposal.
type Repository interface {
	UpsertProposal(ctx context.Context, p *Proposal, sessionID string) error
	LoadProposal(ctx context.Context, requestID, sessionID string) (*Proposal, error)
	ListPendingProposals(ctx context.Context, sessionID string, now time.Time) ([]PendingProposal, error)
}

// Store is the proposal registry. All state transitions happen under one
// mutex because confirm is a check-then-act sequence: exactly one of any
// number of concurrent confirm attempts may win.
type Store struct {
	mu        sync.Mutex
	items     map[string]*Proposal
	noticed   map[string]struct{}
	repo      Repository
	sessionID string
	logger    zerolog.Logger
}

// NewStore constructs a proposal store. repo may be nil; persistence is a
// best-effort side effect, never on the correctness path. The random session
// id invalidates any rows persisted by previous process lifetimes.
func NewStore(repo Repository, logger zerolog.Logger) *Store {
	return &Store{
		items:     make(map[string]*Proposal),
		noticed:   make(map[string]struct{}),
		repo:      repo,
		sessionID: uuid.NewString(),
		logger:    logger.With().Str("component", "execution_store").Logger(),
	}
}

// SessionID exposes the per-process session marker for audit records.
func (s *Store) SessionID() string { return s.sessionID }

// Create registers a Pending proposal and returns it, ids included. The
// caller must relay the confirm token to whoever approves the action.
func (s *Store) Create(kind string, payload json.RawMessage, ttl time.Duration) (*Proposal, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	requestID, err := newToken(requestIDBytes)
	if err != nil {
		return nil, err
	}
	confirmToken, err := newToken(confirmTokenBytes)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p := &Proposal{
		RequestID:    requestID,
		ConfirmToken: confirmToken,
		Kind:         kind,
		Payload:      append(json.RawMessage(nil), payload...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	s.mu.Lock()
	s.items[requestID] = p
	out := p.clone()
	s.mu.Unlock()

	s.persist(out)
	return out, nil
}

// Confirm atomically validates and consumes a proposal. Order of checks:
// existence, expiry, cancellation, prior confirmation, then token equality
// in constant time. On success the confirmation timestamp is set and the
// proposal is returned for the caller to execute. The persisted mirror is
// written after the mutex is released so a slow repository cannot stall
// other store operations.
func (s *Store) Confirm(requestID, confirmToken string) (*Proposal, error) {
	out, err := s.confirmLocked(requestID, confirmToken)
	if err != nil {
		return nil, err
	}
	s.persist(out)
	return out, nil
}

func (s *Store) confirmLocked(requestID, confirmToken string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.lookupLocked(requestID)
	if p == nil {
		return nil, ErrNotFound
	}

	now := time.Now()
	if p.Expired(now) {
		return nil, ErrExpired
	}
	if p.CancelledAt != nil {
		return nil, ErrCancelled
	}
	if p.ConfirmedAt != nil {
		return nil, ErrAlreadyConfirmed
	}
	if subtle.ConstantTimeCompare([]byte(p.ConfirmToken), []byte(confirmToken)) != 1 {
		return nil, ErrInvalidToken
	}

	p.ConfirmedAt = &now
	return p.clone(), nil
}

// Cancel marks a proposal cancelled. It returns false, never an error, when
// the proposal is missing or already terminal: cancellation is not security
// sensitive and needs no token.
func (s *Store) Cancel(requestID string) bool {
	out := s.cancelLocked(requestID)
	if out == nil {
		return false
	}
	s.persist(out)
	return true
}

func (s *Store) cancelLocked(requestID string) *Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.lookupLocked(requestID)
	if p == nil {
		return nil
	}
	if p.ConfirmedAt != nil || p.CancelledAt != nil {
		return nil
	}

	now := time.Now()
	p.CancelledAt = &now
	return p.clone()
}

// Get returns a copy of the proposal, same-session persisted rows included.
func (s *Store) Get(requestID string) (*Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.lookupLocked(requestID)
	if p == nil {
		return nil, false
	}
	return p.clone(), true
}

// ListPending returns proposals that are neither confirmed, cancelled, nor
// expired, merging same-session persisted rows not currently in memory.
func (s *Store) ListPending() []PendingProposal {
	s.mu.Lock()
	now := time.Now()
	pending := make([]PendingProposal, 0, len(s.items))
	seen := make(map[string]struct{}, len(s.items))
	for _, p := range s.items {
		if p.Terminal(now) {
			continue
		}
		pending = append(pending, PendingProposal{
			RequestID: p.RequestID,
			Kind:      p.Kind,
			CreatedAt: p.CreatedAt,
			ExpiresAt: p.ExpiresAt,
		})
		seen[p.RequestID] = struct{}{}
	}
	s.mu.Unlock()

	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		rows, err := s.repo.ListPendingProposals(ctx, s.sessionID, now)
		if err != nil {
			s.logger.Warn().Err(err).Msg("listing persisted proposals failed")
		} else {
			for _, row := range rows {
				if _, ok := seen[row.RequestID]; ok {
					continue
				}
				pending = append(pending, row)
			}
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// Compact drops terminal proposals older than the grace period and reports
// proposals that ran out their TTL without a confirm or cancel. Expiry is
// already enforced at access time; the sweep exists for housekeeping and so
// the caller can announce unactioned expiries.
func (s *Store) Compact() (int, []ExpiredProposal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	var expired []ExpiredProposal
	for id, p := range s.items {
		if p.ConfirmedAt == nil && p.CancelledAt == nil && p.Expired(now) {
			if _, ok := s.noticed[id]; !ok {
				s.noticed[id] = struct{}{}
				expired = append(expired, ExpiredProposal{
					RequestID: p.RequestID,
					Kind:      p.Kind,
					ExpiresAt: p.ExpiresAt,
				})
			}
		}
		if !p.Terminal(now) {
			continue
		}
		if now.Sub(p.ExpiresAt) < compactionGrace {
			continue
		}
		delete(s.items, id)
		delete(s.noticed, id)
		removed++
	}
	return removed, expired
}

// lookupLocked resolves a request id against memory, then the repository.
// Foreign-session rows come back as nil from the repository by contract.
func (s *Store) lookupLocked(requestID string) *Proposal {
	if p, ok := s.items[requestID]; ok {
		return p
	}
	if s.repo == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	p, err := s.repo.LoadProposal(ctx, requestID, s.sessionID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("loading persisted proposal failed")
		return nil
	}
	if p == nil {
		return nil
	}
	s.items[requestID] = p
	return p
}

// persist mirrors the in-memory state best-effort. Failures are logged and
// swallowed: the in-memory operation already succeeded.
func (s *Store) persist(p *Proposal) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.repo.UpsertProposal(ctx, p, s.sessionID); err != nil {
		s.logger.Warn().Err(err).Str("kind", p.Kind).Msg("persisting proposal failed")
	}
}
