package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kwenda/dispatch/internal/location"
	"github.com/kwenda/dispatch/internal/match"
	"github.com/kwenda/dispatch/internal/models"
	"github.com/kwenda/dispatch/internal/observability"
	"github.com/kwenda/dispatch/internal/session"
	"github.com/kwenda/dispatch/internal/storage"
)

// Matcher is the slice of the match service the sweeper re-enters
// stalled jobs through.
type Matcher interface {
	Match(ctx context.Context, jobID string) (models.Assignment, error)
	RecordOutcome(ctx context.Context, jobID, driverID, outcome string) (models.Assignment, error)
}

// Sweeper periodically rescues jobs stuck in assigned with no forward
// progress, and expires offers the driver never answered. Safe to run
// concurrently with itself: each stalled job is claimed through an
// atomic assigned→retrying transition, so overlapping sweeps cannot
// retry the same job twice.
type Sweeper struct {
	Jobs      storage.JobStore
	Sessions  session.Store
	Locations location.Store
	Matcher   Matcher
	Events    match.Events

	Interval     time.Duration
	StallTimeout time.Duration
	OfferTimeout time.Duration
	CooldownDur  time.Duration
	MaxRetries   int

	logger *slog.Logger
}

func New(jobs storage.JobStore, sessions session.Store, locs location.Store, m Matcher, ev match.Events, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Jobs:         jobs,
		Sessions:     sessions,
		Locations:    locs,
		Matcher:      m,
		Events:       ev,
		Interval:     60 * time.Second,
		StallTimeout: 5 * time.Minute,
		OfferTimeout: 30 * time.Second,
		CooldownDur:  2 * time.Minute,
		MaxRetries:   5,
		logger:       logger,
	}
}

// Run ticks Sweep until the context ends. Sweep errors are logged and
// retried next tick.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep is the idempotent tick: expire overdue offers, then retry
// stalled jobs. Returns the number of jobs re-entered into matching.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	s.expireOffers(ctx, now)

	stalled, err := s.Jobs.Stalled(ctx, now.Add(-s.StallTimeout))
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, job := range stalled {
		if s.retryJob(ctx, job) {
			retried++
		}
	}
	return retried, nil
}

func (s *Sweeper) retryJob(ctx context.Context, job *models.Job) bool {
	// claim step: the loser of an overlapping sweep sees no row change
	ok, err := s.Jobs.Transition(ctx, job.ID, models.JobRetrying, models.JobAssigned)
	if err != nil {
		s.logger.Error("stall claim failed", "job_id", job.ID, "error", err)
		return false
	}
	if !ok {
		return false
	}

	driverID := job.DriverID
	if driverID != "" {
		if err := s.Locations.Cooldown(ctx, driverID, s.CooldownDur); err != nil {
			s.logger.Warn("driver cooldown failed", "driver_id", driverID, "error", err)
		}
	}
	_ = s.Sessions.Delete(ctx, job.ID)

	if s.MaxRetries > 0 && job.RetryCount >= s.MaxRetries {
		_, _ = s.Jobs.Unassign(ctx, job.ID, driverID, models.JobRetrying, models.JobManualReview, false)
		s.publish(ctx, models.DispatchEvent{
			Type: models.EventNoDriversAvailable, JobID: job.ID, RetryCount: job.RetryCount, At: time.Now(),
		})
		s.logger.Warn("retry cap reached, escalating to manual dispatch",
			"job_id", job.ID, "retry_count", job.RetryCount)
		return false
	}

	ok, err = s.Jobs.Unassign(ctx, job.ID, driverID, models.JobRetrying, models.JobPending, true)
	if err != nil || !ok {
		s.logger.Error("stall rollback failed", "job_id", job.ID, "error", err)
		return false
	}
	if err := s.Jobs.SetPriority(ctx, job.ID, job.Priority.Escalate()); err != nil {
		s.logger.Warn("priority escalation failed", "job_id", job.ID, "error", err)
	}
	observability.StallRetries.Inc()

	a, err := s.Matcher.Match(ctx, job.ID)
	switch {
	case err == nil:
		s.publish(ctx, models.DispatchEvent{
			Type: models.EventJobReassigned, JobID: job.ID, DriverID: a.DriverID,
			RetryCount: job.RetryCount + 1, At: time.Now(),
		})
		s.logger.Info("stalled job reassigned", "job_id", job.ID,
			"old_driver", driverID, "new_driver", a.DriverID, "retry_count", job.RetryCount+1)
	case errors.Is(err, match.ErrNoDrivers):
		// stays pending; next sweep or the booking flow tries again
	default:
		s.logger.Error("stall rematch failed", "job_id", job.ID, "error", err)
	}
	return true
}

// expireOffers treats offers past the per-offer timeout as expired so
// the session advances even when the driver app never answers.
func (s *Sweeper) expireOffers(ctx context.Context, now time.Time) {
	overdue, err := s.Sessions.OpenOffers(ctx, now.Add(-s.OfferTimeout))
	if err != nil {
		s.logger.Error("open offer scan failed", "error", err)
		return
	}
	for _, sess := range overdue {
		cand, ok := sess.Offered()
		if !ok {
			continue
		}
		_, err := s.Matcher.RecordOutcome(ctx, sess.JobID, cand.DriverID, models.OutcomeExpired)
		if err != nil && !errors.Is(err, match.ErrNoDrivers) && !errors.Is(err, match.ErrJobClosed) {
			s.logger.Warn("offer expiry failed", "job_id", sess.JobID, "driver_id", cand.DriverID, "error", err)
		}
	}
}

func (s *Sweeper) publish(ctx context.Context, ev models.DispatchEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.logger.Warn("event publish failed", "type", ev.Type, "job_id", ev.JobID, "error", err)
	}
}
