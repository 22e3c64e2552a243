package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kwenda/dispatch/internal/models"
)

// Candidate states within a session.
const (
	StateQueued   = "queued"
	StateOffered  = "offered"
	StateAccepted = "accepted"
	StateRejected = "rejected"
	StateExpired  = "expired"
)

var (
	ErrExhausted    = errors.New("session: candidates exhausted")
	ErrClosed       = errors.New("session: closed")
	ErrOpenOffer    = errors.New("session: an offer is already open")
	ErrNotOffered   = errors.New("session: driver has no open offer")
	ErrNotFound     = errors.New("session: not found")
	ErrBadOutcome   = errors.New("session: unknown outcome")
	ErrSessionStale = errors.New("session: expired")
)

// Entry tracks one candidate inside a session.
type Entry struct {
	Candidate models.Candidate `json:"candidate"`
	State     string           `json:"state"`
	OfferedAt *time.Time       `json:"offered_at,omitempty"`
	DecidedAt *time.Time       `json:"decided_at,omitempty"`
}

// Session is the per-job record of one matching round: the ranked
// candidate list and what happened to each offer. At most one entry is
// in the offered state at any time; an accepted entry freezes the
// session.
type Session struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Entries   []Entry   `json:"entries"`
	Cursor    int       `json:"cursor"`
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New builds a session over an already-ranked candidate list.
func New(jobID string, cands []models.Candidate, ttl time.Duration) *Session {
	now := time.Now()
	entries := make([]Entry, len(cands))
	for i, c := range cands {
		entries[i] = Entry{Candidate: c, State: StateQueued}
	}
	return &Session{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Entries:   entries,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Current returns the entry under the cursor.
func (s *Session) Current() (*Entry, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Entries) {
		return nil, false
	}
	return &s.Entries[s.Cursor], true
}

// OfferNext marks the next untried candidate as offered and returns it.
// Fails if an offer is still open or the session is closed or spent.
func (s *Session) OfferNext(now time.Time) (models.Candidate, error) {
	if s.Closed {
		return models.Candidate{}, ErrClosed
	}
	if now.After(s.ExpiresAt) {
		return models.Candidate{}, ErrSessionStale
	}
	if cur, ok := s.Current(); ok && cur.State == StateOffered {
		return models.Candidate{}, ErrOpenOffer
	}
	for s.Cursor < len(s.Entries) && s.Entries[s.Cursor].State != StateQueued {
		s.Cursor++
	}
	if s.Cursor >= len(s.Entries) {
		return models.Candidate{}, ErrExhausted
	}
	e := &s.Entries[s.Cursor]
	e.State = StateOffered
	e.OfferedAt = &now
	return e.Candidate, nil
}

// RecordOutcome applies the driver's decision to the open offer. On
// accept the session freezes; on reject/expire the cursor advances so
// the next OfferNext tries the following candidate.
func (s *Session) RecordOutcome(driverID, outcome string, now time.Time) error {
	if s.Closed {
		return ErrClosed
	}
	cur, ok := s.Current()
	if !ok || cur.State != StateOffered || cur.Candidate.DriverID != driverID {
		return ErrNotOffered
	}
	cur.DecidedAt = &now
	switch outcome {
	case models.OutcomeAccepted:
		cur.State = StateAccepted
		s.Closed = true
	case models.OutcomeRejected:
		cur.State = StateRejected
		s.Cursor++
	case models.OutcomeExpired:
		cur.State = StateExpired
		s.Cursor++
	default:
		return ErrBadOutcome
	}
	return nil
}

// Offered returns the driver currently holding the open offer, if any.
func (s *Session) Offered() (models.Candidate, bool) {
	cur, ok := s.Current()
	if !ok || cur.State != StateOffered {
		return models.Candidate{}, false
	}
	return cur.Candidate, true
}

// Store persists sessions keyed by job so a matching round survives a
// process restart.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, jobID string) (*Session, error)
	Delete(ctx context.Context, jobID string) error
	// OpenOffers lists sessions whose open offer predates the cutoff,
	// for offer-timeout enforcement by the sweeper.
	OpenOffers(ctx context.Context, olderThan time.Time) ([]*Session, error)
}
