package location

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/kwenda/dispatch/internal/models"
)

// Store is the minimal surface the matcher and handlers need from the
// driver position index.
type Store interface {
	Upsert(ctx context.Context, d models.DriverLocation) error
	// Near returns online+available drivers within radiusKm of origin
	// whose last ping is inside the staleness window, nearest first.
	Near(ctx context.Context, origin models.Coord, radiusKm float64, limit int) ([]models.DriverLocation, error)
	Get(ctx context.Context, driverID string) (models.DriverLocation, bool, error)
	// Cooldown marks a driver unavailable for matching until the
	// duration elapses. Used by the stall sweeper after a rollback.
	Cooldown(ctx context.Context, driverID string, d time.Duration) error
}

// ProfileStore holds the read-only driver profile snapshot the filter
// and scorer consume. Populated by the ingest pipeline alongside pings.
type ProfileStore interface {
	Profile(ctx context.Context, driverID string) (models.DriverProfile, bool, error)
	SetProfile(ctx context.Context, p models.DriverProfile) error
}

// Memory is an in-process Store with last-write-wins semantics per
// driver. Used in tests and single-node deployments; production runs
// the Redis implementation.
type Memory struct {
	mu        sync.RWMutex
	drivers   map[string]models.DriverLocation
	profiles  map[string]models.DriverProfile
	cooldowns map[string]time.Time
	staleness time.Duration

	// Notify, when set, is invoked after every successful upsert so
	// the caller can fan the change out (e.g. to Kafka).
	Notify func(models.DriverLocation)

	now func() time.Time
}

func NewMemory(staleness time.Duration) *Memory {
	return &Memory{
		drivers:   make(map[string]models.DriverLocation),
		profiles:  make(map[string]models.DriverProfile),
		cooldowns: make(map[string]time.Time),
		staleness: staleness,
		now:       time.Now,
	}
}

func (m *Memory) Upsert(_ context.Context, d models.DriverLocation) error {
	if d.LastPing.IsZero() {
		d.LastPing = m.now()
	}
	m.mu.Lock()
	prev, ok := m.drivers[d.DriverID]
	if ok && prev.LastPing.After(d.LastPing) {
		// out-of-order ping, keep the newer record
		m.mu.Unlock()
		return nil
	}
	m.drivers[d.DriverID] = d
	m.mu.Unlock()
	if m.Notify != nil {
		m.Notify(d)
	}
	return nil
}

func (m *Memory) Get(_ context.Context, driverID string) (models.DriverLocation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.DriverLocation{}, false, nil
	}
	if until, cd := m.cooldowns[driverID]; cd && m.now().Before(until) {
		d.Available = false
	}
	return d, true, nil
}

func (m *Memory) Cooldown(_ context.Context, driverID string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[driverID] = m.now().Add(d)
	return nil
}

// naive scan; the Redis store uses GEOSEARCH for the same query
func (m *Memory) Near(_ context.Context, origin models.Coord, radiusKm float64, limit int) ([]models.DriverLocation, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct {
		d    models.DriverLocation
		dist float64
	}
	arr := make([]pair, 0, len(m.drivers))
	for id, d := range m.drivers {
		if !d.Online || !d.Available {
			continue
		}
		if now.Sub(d.LastPing) > m.staleness {
			continue
		}
		if until, ok := m.cooldowns[id]; ok && now.Before(until) {
			continue
		}
		dist := HaversineKm(origin.Lat, origin.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	// partial selection sort for top-N nearest
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.DriverLocation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}

func (m *Memory) Profile(_ context.Context, driverID string) (models.DriverProfile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[driverID]
	return p, ok, nil
}

func (m *Memory) SetProfile(_ context.Context, p models.DriverProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.DriverID] = p
	return nil
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
