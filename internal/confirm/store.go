// Package confirm manages TTL-bounded pending trade handles with at-most-once
// confirmation semantics.
package confirm

import (
	"errors"
	"strings"
	"time"

	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/ids"
)

const DefaultTTL = 300 * time.Second

// Lifecycle statuses. PENDING has exactly one terminal transition.
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
	StatusRejected  = "REJECTED"
)

var (
	// ErrMalformedID rejects ids without the conf_ prefix (HTTP 400).
	ErrMalformedID = errors.New("malformed confirmation id")
	// ErrNotFound covers unknown ids and cross-tenant reads alike (HTTP 404).
	ErrNotFound = errors.New("confirmation not found")
	// ErrNotPending means the transition lost the CAS: already terminal or expired.
	ErrNotPending = errors.New("confirmation is not pending")
)

type Store struct {
	db  *database.Database
	ttl time.Duration
}

func NewStore(db *database.Database, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl}
}

// CreatePending stages a confirmation and returns its id.
func (s *Store) CreatePending(tenantID, conversationID, mode, proposalJSON, insightJSON, lockedProductID string) (string, error) {
	now := time.Now().UTC()
	conf := &database.TradeConfirmation{
		ConfirmationID:  ids.NewConfirmation(),
		TenantID:        tenantID,
		ConversationID:  conversationID,
		Status:          StatusPending,
		Mode:            mode,
		ProposalJSON:    proposalJSON,
		InsightJSON:     insightJSON,
		LockedProductID: lockedProductID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	if err := s.db.CreateConfirmation(conf); err != nil {
		return "", err
	}
	return conf.ConfirmationID, nil
}

// Get returns the tenant's confirmation, marking PENDING-but-expired rows as
// EXPIRED on the way out (lazy expiry; no sweeper).
func (s *Store) Get(confID, tenantID string) (*database.TradeConfirmation, error) {
	if !ValidID(confID) {
		return nil, ErrMalformedID
	}
	conf, err := s.db.GetConfirmation(confID, tenantID)
	if err != nil {
		return nil, err
	}
	if conf == nil {
		return nil, ErrNotFound
	}
	if conf.Status == StatusPending && !conf.ExpiresAt.After(time.Now().UTC()) {
		_ = s.db.MarkConfirmationExpired(confID, tenantID, time.Now().UTC())
		conf.Status = StatusExpired
	}
	return conf, nil
}

// Confirm transitions PENDING → CONFIRMED, binding runID. Re-confirming an
// already-CONFIRMED id is idempotent and returns the bound run id.
func (s *Store) Confirm(confID, tenantID, runID string) (*database.TradeConfirmation, bool, error) {
	conf, err := s.Get(confID, tenantID)
	if err != nil {
		return nil, false, err
	}
	if conf.Status == StatusConfirmed {
		return conf, false, nil // idempotent replay
	}
	if conf.Status != StatusPending {
		return conf, false, ErrNotPending
	}

	won, err := s.db.TransitionConfirmation(confID, tenantID, StatusConfirmed, runID, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}
	if !won {
		// Lost the race; re-read to report the winner's state.
		conf, err = s.Get(confID, tenantID)
		if err != nil {
			return nil, false, err
		}
		if conf.Status == StatusConfirmed {
			return conf, false, nil
		}
		return conf, false, ErrNotPending
	}
	conf.Status = StatusConfirmed
	conf.RunID = runID
	return conf, true, nil
}

// Cancel transitions PENDING → CANCELLED. Cancelling a CONFIRMED confirmation
// is a no-op that reports the already-running run id.
func (s *Store) Cancel(confID, tenantID string) (*database.TradeConfirmation, error) {
	conf, err := s.Get(confID, tenantID)
	if err != nil {
		return nil, err
	}
	if conf.Status == StatusConfirmed {
		return conf, nil
	}
	if conf.Status != StatusPending {
		return conf, ErrNotPending
	}
	won, err := s.db.TransitionConfirmation(confID, tenantID, StatusCancelled, "", time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !won {
		return s.Get(confID, tenantID)
	}
	conf.Status = StatusCancelled
	return conf, nil
}

// ValidID reports whether the id carries the conf_ prefix and a body.
func ValidID(confID string) bool {
	return strings.HasPrefix(confID, "conf_") && len(confID) > len("conf_")
}
