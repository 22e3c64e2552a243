package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kwenda/dispatch/internal/models"
)

var ErrNotFound = errors.New("storage: job not found")

// JobStore defines persistence for jobs. Transition, Assign and
// Unassign are conditional single-row updates: they report false when
// the precondition no longer holds, which is how concurrent matcher
// runs and overlapping sweeps lose races without double-writing.
type JobStore interface {
	Create(ctx context.Context, j *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	// Transition moves id from one of the from statuses to to,
	// returning whether a row actually changed.
	Transition(ctx context.Context, id, to string, from ...string) (bool, error)
	// Assign sets the driver and assigned_at while moving from → assigned.
	Assign(ctx context.Context, id, driverID, from string) (bool, error)
	// Unassign clears the driver while moving from → to, optionally
	// bumping retry_count. The driver must still match.
	Unassign(ctx context.Context, id, driverID, from, to string, incRetry bool) (bool, error)
	SetPriority(ctx context.Context, id string, p models.Priority) error
	// Stalled lists assigned jobs with no progress timestamp whose
	// assignment predates the cutoff.
	Stalled(ctx context.Context, assignedBefore time.Time) ([]*models.Job, error)
	// MarkProgress records driver forward progress (arrived / picked
	// up), which exempts the job from stall detection.
	MarkProgress(ctx context.Context, id string, at time.Time) error
}

// MemoryJobStore is the in-process JobStore used by tests and local runs.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*models.Job)}
}

func (m *MemoryJobStore) Create(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	j.UpdatedAt = j.CreatedAt
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryJobStore) Get(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryJobStore) Transition(_ context.Context, id, to string, from ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, f := range from {
		if j.Status == f {
			j.Status = to
			j.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryJobStore) Assign(_ context.Context, id, driverID, from string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != from {
		return false, nil
	}
	now := time.Now()
	j.Status = models.JobAssigned
	j.DriverID = driverID
	j.AssignedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryJobStore) Unassign(_ context.Context, id, driverID, from, to string, incRetry bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != from || j.DriverID != driverID {
		return false, nil
	}
	j.Status = to
	j.DriverID = ""
	j.AssignedAt = nil
	if incRetry {
		j.RetryCount++
	}
	j.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryJobStore) SetPriority(_ context.Context, id string, p models.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Priority = p
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryJobStore) Stalled(_ context.Context, assignedBefore time.Time) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status != models.JobAssigned || j.ProgressAt != nil {
			continue
		}
		if j.AssignedAt != nil && j.AssignedAt.Before(assignedBefore) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryJobStore) MarkProgress(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.ProgressAt = &at
	j.UpdatedAt = at
	return nil
}
