package match

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kwenda/dispatch/internal/eta"
	"github.com/kwenda/dispatch/internal/models"
	"github.com/kwenda/dispatch/internal/observability"
	"github.com/kwenda/dispatch/internal/session"
	"github.com/kwenda/dispatch/internal/storage"
)

var (
	// ErrNoDrivers is the normal no-candidates outcome, not a failure.
	ErrNoDrivers = errors.New("match: no drivers available")
	// ErrAlreadyAssigned is returned to the loser of a concurrent
	// assignment race. The caller must not retry-assign.
	ErrAlreadyAssigned = errors.New("match: job already assigned")
	ErrJobClosed       = errors.New("match: job cancelled or completed")
	ErrMatchInProgress = errors.New("match: another attempt in flight")
)

// Dispatcher delivers an offer to a driver's device. A delivery error
// is treated as a stale-location race: the candidate is skipped.
type Dispatcher interface {
	Offer(ctx context.Context, offer models.MatchOffer) error
}

// Events receives the outbound signals the notification service consumes.
type Events interface {
	Publish(ctx context.Context, ev models.DispatchEvent) error
}

// Service runs the match state machine. Offers for one job are
// serialized through a per-job lock in-process and through the job
// store's conditional transitions across processes.
type Service struct {
	Filter   *Filter
	Jobs     storage.JobStore
	Sessions session.Store
	Dispatch Dispatcher
	Events   Events

	ETAClient       eta.Client
	ETACache        *eta.Cache
	DefaultSpeedMps float64

	OfferTimeout time.Duration
	SessionTTL   time.Duration

	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(f *Filter, jobs storage.JobStore, sessions session.Store, d Dispatcher, ev Events, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Filter:          f,
		Jobs:            jobs,
		Sessions:        sessions,
		Dispatch:        d,
		Events:          ev,
		DefaultSpeedMps: 10,
		OfferTimeout:    30 * time.Second,
		SessionTTL:      10 * time.Minute,
		logger:          logger,
		locks:           make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-job mutex. Locks are never reclaimed; the
// map is bounded by the number of distinct jobs seen by this process.
func (s *Service) lockFor(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

// Match runs one matching attempt for the job. Re-invoking on an
// already-assigned job is a no-op returning the existing assignment.
func (s *Service) Match(ctx context.Context, jobID string) (models.Assignment, error) {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return models.Assignment{}, err
	}
	if job.Terminal() {
		return models.Assignment{}, ErrJobClosed
	}
	if job.Status == models.JobAssigned || job.Status == models.JobInProgress {
		return s.existingAssignment(ctx, job), nil
	}

	ok, err := s.Jobs.Transition(ctx, jobID, models.JobMatching, models.JobPending)
	if err != nil {
		return models.Assignment{}, err
	}
	if !ok {
		// lost the entry race; report what the winner did
		job, err = s.Jobs.Get(ctx, jobID)
		if err != nil {
			return models.Assignment{}, err
		}
		if job.Status == models.JobAssigned || job.Status == models.JobInProgress {
			return s.existingAssignment(ctx, job), ErrAlreadyAssigned
		}
		return models.Assignment{}, ErrMatchInProgress
	}

	cands, err := s.Filter.Candidates(ctx, job)
	if err != nil {
		// upstream failure: put the job back and let the caller retry
		_, _ = s.Jobs.Transition(ctx, jobID, models.JobPending, models.JobMatching)
		return models.Assignment{}, err
	}
	if len(cands) == 0 {
		return models.Assignment{}, s.exhaust(ctx, jobID, models.JobMatching)
	}

	sess := session.New(jobID, Rank(cands), s.SessionTTL)
	return s.offerLoop(ctx, job, sess)
}

// RecordOutcome applies a driver's accept/reject/expire to the open
// offer. Reject and expire advance the session and immediately offer
// the next candidate.
func (s *Service) RecordOutcome(ctx context.Context, jobID, driverID, outcome string) (models.Assignment, error) {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	sess, err := s.Sessions.Get(ctx, jobID)
	if err != nil {
		return models.Assignment{}, err
	}
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return models.Assignment{}, err
	}
	if job.Terminal() {
		_ = s.Sessions.Delete(ctx, jobID)
		return models.Assignment{}, ErrJobClosed
	}

	if err := sess.RecordOutcome(driverID, outcome, time.Now()); err != nil {
		return models.Assignment{}, err
	}
	if err := s.Sessions.Save(ctx, sess); err != nil {
		return models.Assignment{}, err
	}

	switch outcome {
	case models.OutcomeAccepted:
		observability.OffersAccepted.Inc()
		return s.existingAssignment(ctx, job), nil
	case models.OutcomeRejected:
		observability.OffersRejected.Inc()
	case models.OutcomeExpired:
		observability.OffersExpired.Inc()
	}

	// tentative assignment belonged to the rejecting driver; roll the
	// job back to matching before trying the next candidate
	ok, err := s.Jobs.Unassign(ctx, jobID, driverID, models.JobAssigned, models.JobMatching, false)
	if err != nil {
		return models.Assignment{}, err
	}
	if !ok {
		// sweeper or a cancel got here first
		return models.Assignment{}, ErrMatchInProgress
	}
	return s.offerLoop(ctx, job, sess)
}

// offerLoop walks the session until a candidate is offered and the job
// is assigned, or the list is exhausted. Caller holds the job lock.
func (s *Service) offerLoop(ctx context.Context, job *models.Job, sess *session.Session) (models.Assignment, error) {
	for {
		// cancellation may land between offers
		cur, err := s.Jobs.Get(ctx, job.ID)
		if err != nil {
			return models.Assignment{}, err
		}
		if cur.Terminal() {
			_ = s.Sessions.Delete(ctx, job.ID)
			return models.Assignment{}, ErrJobClosed
		}

		now := time.Now()
		cand, err := sess.OfferNext(now)
		if errors.Is(err, session.ErrExhausted) || errors.Is(err, session.ErrSessionStale) {
			_ = s.Sessions.Delete(ctx, job.ID)
			return models.Assignment{}, s.exhaust(ctx, job.ID, models.JobMatching)
		}
		if err != nil {
			return models.Assignment{}, err
		}

		// availability may have changed since the snapshot; treat a
		// stale read as an instant rejection and move on
		if loc, ok, lerr := s.Filter.Locations.Get(ctx, cand.DriverID); lerr != nil || !ok || !loc.Online || !loc.Available {
			observability.StaleRaces.Inc()
			_ = sess.RecordOutcome(cand.DriverID, models.OutcomeRejected, now)
			continue
		}

		etaSec := s.estimateETA(cand.Loc, job.Pickup)
		offer := models.MatchOffer{
			JobID:       job.ID,
			DriverID:    cand.DriverID,
			PickupLat:   job.Pickup.Lat,
			PickupLon:   job.Pickup.Lon,
			ServiceType: job.ServiceType,
			ETASeconds:  etaSec,
			ExpiresAt:   now.Add(s.OfferTimeout).Unix(),
		}
		if err := s.Dispatch.Offer(ctx, offer); err != nil {
			s.logger.Warn("offer delivery failed", "job_id", job.ID, "driver_id", cand.DriverID, "error", err)
			observability.StaleRaces.Inc()
			_ = sess.RecordOutcome(cand.DriverID, models.OutcomeRejected, now)
			continue
		}

		ok, err := s.Jobs.Assign(ctx, job.ID, cand.DriverID, models.JobMatching)
		if err != nil {
			return models.Assignment{}, err
		}
		if !ok {
			// another process assigned the job while we were offering
			cur, gerr := s.Jobs.Get(ctx, job.ID)
			if gerr != nil {
				return models.Assignment{}, gerr
			}
			if cur.Status == models.JobAssigned || cur.Status == models.JobInProgress {
				return s.existingAssignment(ctx, cur), ErrAlreadyAssigned
			}
			return models.Assignment{}, ErrMatchInProgress
		}
		if err := s.Sessions.Save(ctx, sess); err != nil {
			return models.Assignment{}, err
		}

		observability.MatchesTotal.Inc()
		observability.OffersTotal.Inc()
		s.publish(ctx, models.DispatchEvent{
			Type: models.EventDriverOffered, JobID: job.ID, DriverID: cand.DriverID, At: now,
		})
		s.logger.Info("driver offered", "job_id", job.ID, "driver_id", cand.DriverID,
			"distance_km", cand.DistanceKm, "score", cand.Score)
		return models.Assignment{JobID: job.ID, DriverID: cand.DriverID, ETASeconds: etaSec}, nil
	}
}

// exhaust parks the job back in pending and emits the no-drivers signal.
func (s *Service) exhaust(ctx context.Context, jobID, from string) error {
	_, _ = s.Jobs.Transition(ctx, jobID, models.JobPending, from)
	observability.NoDriversTotal.Inc()
	s.publish(ctx, models.DispatchEvent{
		Type: models.EventNoDriversAvailable, JobID: jobID, At: time.Now(),
	})
	s.logger.Info("no drivers available", "job_id", jobID)
	return ErrNoDrivers
}

func (s *Service) existingAssignment(ctx context.Context, job *models.Job) models.Assignment {
	a := models.Assignment{JobID: job.ID, DriverID: job.DriverID}
	if loc, ok, err := s.Filter.Locations.Get(ctx, job.DriverID); err == nil && ok {
		a.ETASeconds = s.estimateETA(loc.Loc, job.Pickup)
	}
	return a
}

func (s *Service) estimateETA(from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}

func (s *Service) publish(ctx context.Context, ev models.DispatchEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed", "type", ev.Type, "job_id", ev.JobID, "error", err)
	}
}
