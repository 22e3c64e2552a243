package match

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kwenda/dispatch/internal/location"
	"github.com/kwenda/dispatch/internal/models"
	"github.com/kwenda/dispatch/internal/session"
	"github.com/kwenda/dispatch/internal/storage"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	offers []models.MatchOffer
	reject map[string]bool // drivers whose delivery fails
}

func (f *fakeDispatcher) Offer(_ context.Context, o models.MatchOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[o.DriverID] {
		return errors.New("driver unreachable")
	}
	f.offers = append(f.offers, o)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []models.DispatchEvent
}

func (f *fakeEvents) Publish(_ context.Context, ev models.DispatchEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	mem      *location.Memory
	jobs     *storage.MemoryJobStore
	sessions *session.MemoryStore
	disp     *fakeDispatcher
	events   *fakeEvents
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := location.NewMemory(5 * time.Minute)
	jobs := storage.NewMemoryJobStore()
	sessions := session.NewMemoryStore()
	disp := &fakeDispatcher{reject: make(map[string]bool)}
	events := &fakeEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(newFilter(mem), jobs, sessions, disp, events, logger)
	return &harness{mem: mem, jobs: jobs, sessions: sessions, disp: disp, events: events, svc: svc}
}

func (h *harness) createJob(t *testing.T, id string, pr models.Priority) {
	t.Helper()
	err := h.jobs.Create(context.Background(), &models.Job{
		ID: id, Pickup: kinshasa, ServiceType: models.ServiceTaxi,
		Priority: pr, Status: models.JobPending,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMatchOffersBestDriver(t *testing.T) {
	h := newHarness(t)
	seedDriver(t, h.mem, "d1", models.Coord{Lat: -4.3025, Lon: 15.3074}, 4.8, 120)
	h.createJob(t, "job1", models.PriorityNormal)

	a, err := h.svc.Match(context.Background(), "job1")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if a.DriverID != "d1" || a.JobID != "job1" {
		t.Fatalf("unexpected assignment %+v", a)
	}
	if a.ETASeconds <= 0 {
		t.Fatalf("expected positive eta, got %f", a.ETASeconds)
	}

	job, _ := h.jobs.Get(context.Background(), "job1")
	if job.Status != models.JobAssigned || job.DriverID != "d1" || job.AssignedAt == nil {
		t.Fatalf("job not assigned: %+v", job)
	}
	if h.disp.count() != 1 {
		t.Fatalf("expected 1 offer, got %d", h.disp.count())
	}
	if types := h.events.types(); len(types) != 1 || types[0] != models.EventDriverOffered {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestMatchNoDriversAvailable(t *testing.T) {
	h := newHarness(t)
	// nearest driver ~30km out, normal radius is 10km
	seedDriver(t, h.mem, "far", models.Coord{Lat: -4.05, Lon: 15.3069}, 4.8, 120)
	h.createJob(t, "job1", models.PriorityNormal)

	_, err := h.svc.Match(context.Background(), "job1")
	if !errors.Is(err, ErrNoDrivers) {
		t.Fatalf("expected ErrNoDrivers, got %v", err)
	}
	job, _ := h.jobs.Get(context.Background(), "job1")
	if job.Status != models.JobPending {
		t.Fatalf("job should return to pending, got %s", job.Status)
	}
	if types := h.events.types(); len(types) != 1 || types[0] != models.EventNoDriversAvailable {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestMatchIdempotentOnAssignedJob(t *testing.T) {
	h := newHarness(t)
	seedDriver(t, h.mem, "d1", models.Coord{Lat: -4.3025, Lon: 15.3074}, 4.8, 120)
	h.createJob(t, "job1", models.PriorityNormal)

	first, err := h.svc.Match(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}
	sess, err := h.sessions.Get(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}

	second, err := h.svc.Match(context.Background(), "job1")
	if err != nil {
		t.Fatalf("re-match should be a no-op, got %v", err)
	}
	if second.DriverID != first.DriverID {
		t.Fatalf("expected same assignment, got %s vs %s", second.DriverID, first.DriverID)
	}
	if h.disp.count() != 1 {
		t.Fatalf("re-match must not re-offer, got %d offers", h.disp.count())
	}
	again, err := h.sessions.Get(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != sess.ID {
		t.Fatal("re-match created a new session")
	}
}

func TestRejectionAdvancesToNextCandidate(t *testing.T) {
	h := newHarness(t)
	seedDriver(t, h.mem, "best", models.Coord{Lat: -4.3220, Lon: 15.3069}, 4.9, 200)
	seedDriver(t, h.mem, "next", models.Coord{Lat: -4.3300, Lon: 15.3069}, 4.7, 80)
	h.createJob(t, "job1", models.PriorityNormal)

	a, err := h.svc.Match(context.Background(), "job1")
	if err != nil || a.DriverID != "best" {
		t.Fatalf("expected best offered first, got %+v err=%v", a, err)
	}

	a, err = h.svc.RecordOutcome(context.Background(), "job1", "best", models.OutcomeRejected)
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if a.DriverID != "next" {
		t.Fatalf("expected next candidate offered, got %s", a.DriverID)
	}

	sess, err := h.sessions.Get(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Entries[0].State != session.StateRejected || sess.Entries[1].State != session.StateOffered {
		t.Fatalf("cursor did not advance by one: %+v", sess.Entries)
	}

	job, _ := h.jobs.Get(context.Background(), "job1")
	if job.Status != models.JobAssigned || job.DriverID != "next" {
		t.Fatalf("job should be assigned to next, got %+v", job)
	}
}

func TestAcceptFreezesAssignment(t *testing.T) {
	h := newHarness(t)
	seedDriver(t, h.mem, "d1", models.Coord{Lat: -4.3220, Lon: 15.3069}, 4.8, 120)
	h.createJob(t, "job1", models.PriorityNormal)

	if _, err := h.svc.Match(context.Background(), "job1"); err != nil {
		t.Fatal(err)
	}
	a, err := h.svc.RecordOutcome(context.Background(), "job1", "d1", models.OutcomeAccepted)
	if err != nil || a.DriverID != "d1" {
		t.Fatalf("accept: %+v err=%v", a, err)
	}
	sess, err := h.sessions.Get(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}
	if !sess.Closed {
		t.Fatal("session should be frozen after accept")
	}
}

func TestExhaustionAfterAllReject(t *testing.T) {
	h := newHarness(t)
	seedDriver(t, h.mem, "only", models.Coord{Lat: -4.3220, Lon: 15.3069}, 4.8, 120)
	h.createJob(t, "job1", models.PriorityNormal)

	if _, err := h.svc.Match(context.Background(), "job1"); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.RecordOutcome(context.Background(), "job1", "only", models.OutcomeRejected)
	if !errors.Is(err, ErrNoDrivers) {
		t.Fatalf("expected ErrNoDrivers after exhaustion, got %v", err)
	}
	job, _ := h.jobs.Get(context.Background(), "job1")
	if job.Status != models.JobPending {
		t.Fatalf("exhausted job should be pending, got %s", job.Status)
	}
	if _, err := h.sessions.Get(context.Background(), "job1"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("session should be destroyed on exhaustion, got %v", err)
	}
}

func TestUnreachableDriverSkipped(t *testing.T) {
	h := newHarness(t)
	seedDriver(t, h.mem, "best", models.Coord{Lat: -4.3220, Lon: 15.3069}, 4.9, 200)
	seedDriver(t, h.mem, "next", models.Coord{Lat: -4.3300, Lon: 15.3069}, 4.7, 80)
	h.createJob(t, "job1", models.PriorityNormal)
	h.disp.reject["best"] = true

	a, err := h.svc.Match(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}
	if a.DriverID != "next" {
		t.Fatalf("expected fallthrough to next, got %s", a.DriverID)
	}
}

func TestCancelledJobAbortsMatch(t *testing.T) {
	h := newHarness(t)
	seedDriver(t, h.mem, "d1", models.Coord{Lat: -4.3220, Lon: 15.3069}, 4.8, 120)
	h.createJob(t, "job1", models.PriorityNormal)
	if ok, err := h.jobs.Transition(context.Background(), "job1", models.JobCancelled, models.JobPending); err != nil || !ok {
		t.Fatal("cancel setup failed")
	}

	if _, err := h.svc.Match(context.Background(), "job1"); !errors.Is(err, ErrJobClosed) {
		t.Fatalf("expected ErrJobClosed, got %v", err)
	}
}

func TestConcurrentMatchSingleAssignment(t *testing.T) {
	h := newHarness(t)
	seedDriver(t, h.mem, "d1", models.Coord{Lat: -4.3220, Lon: 15.3069}, 4.8, 120)
	h.createJob(t, "job1", models.PriorityNormal)

	const n = 8
	var wg sync.WaitGroup
	results := make([]models.Assignment, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Match(context.Background(), "job1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i].DriverID != "d1" {
			t.Fatalf("call %d: got %s", i, results[i].DriverID)
		}
	}
	// exactly one mutation: one offer, one assignment
	if h.disp.count() != 1 {
		t.Fatalf("expected exactly 1 offer across concurrent matches, got %d", h.disp.count())
	}
}
