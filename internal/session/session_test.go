package session

import (
	"context"
	"testing"
	"time"

	"github.com/kwenda/dispatch/internal/models"
)

func cands(ids ...string) []models.Candidate {
	out := make([]models.Candidate, len(ids))
	for i, id := range ids {
		out[i] = models.Candidate{DriverID: id}
	}
	return out
}

func TestOfferNextSequential(t *testing.T) {
	s := New("job1", cands("a", "b", "c"), time.Minute)
	now := time.Now()

	c, err := s.OfferNext(now)
	if err != nil || c.DriverID != "a" {
		t.Fatalf("expected a, got %v err=%v", c.DriverID, err)
	}

	// second offer while one is open must fail
	if _, err := s.OfferNext(now); err != ErrOpenOffer {
		t.Fatalf("expected ErrOpenOffer, got %v", err)
	}

	if err := s.RecordOutcome("a", models.OutcomeRejected, now); err != nil {
		t.Fatalf("reject: %v", err)
	}
	c, err = s.OfferNext(now)
	if err != nil || c.DriverID != "b" {
		t.Fatalf("expected b, got %v err=%v", c.DriverID, err)
	}
}

func TestAcceptFreezesSession(t *testing.T) {
	s := New("job1", cands("a", "b"), time.Minute)
	now := time.Now()
	if _, err := s.OfferNext(now); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordOutcome("a", models.OutcomeAccepted, now); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !s.Closed {
		t.Fatal("expected session closed after accept")
	}
	if _, err := s.OfferNext(now); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.RecordOutcome("b", models.OutcomeAccepted, now); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestExhaustion(t *testing.T) {
	s := New("job1", cands("a"), time.Minute)
	now := time.Now()
	if _, err := s.OfferNext(now); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordOutcome("a", models.OutcomeExpired, now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OfferNext(now); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestOutcomeFromWrongDriver(t *testing.T) {
	s := New("job1", cands("a", "b"), time.Minute)
	now := time.Now()
	if _, err := s.OfferNext(now); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordOutcome("b", models.OutcomeAccepted, now); err != ErrNotOffered {
		t.Fatalf("expected ErrNotOffered, got %v", err)
	}
}

func TestSingleOpenOfferInvariant(t *testing.T) {
	s := New("job1", cands("a", "b", "c"), time.Minute)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := s.OfferNext(now); err != nil {
			t.Fatal(err)
		}
		open := 0
		for _, e := range s.Entries {
			if e.State == StateOffered {
				open++
			}
		}
		if open != 1 {
			t.Fatalf("expected exactly one open offer, got %d", open)
		}
		cur, _ := s.Offered()
		if err := s.RecordOutcome(cur.DriverID, models.OutcomeRejected, now); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExpiredSession(t *testing.T) {
	s := New("job1", cands("a"), -time.Second)
	if _, err := s.OfferNext(time.Now()); err != ErrSessionStale {
		t.Fatalf("expected ErrSessionStale, got %v", err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	s := New("job1", cands("a", "b"), time.Minute)
	now := time.Now()
	if _, err := s.OfferNext(now); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	got, err := st.Get(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != s.ID || len(got.Entries) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if c, ok := got.Offered(); !ok || c.DriverID != "a" {
		t.Fatalf("expected open offer for a, got %v ok=%v", c.DriverID, ok)
	}

	overdue, err := st.OpenOffers(ctx, time.Now().Add(time.Second))
	if err != nil || len(overdue) != 1 {
		t.Fatalf("expected 1 overdue offer, got %d err=%v", len(overdue), err)
	}
	none, err := st.OpenOffers(ctx, now.Add(-time.Minute))
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no overdue offers, got %d err=%v", len(none), err)
	}

	if _, err := st.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
