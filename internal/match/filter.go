package match

import (
	"context"

	"github.com/kwenda/dispatch/internal/location"
	"github.com/kwenda/dispatch/internal/models"
)

// Policy maps a job's priority to the search radius and rating floor.
// These are deployment knobs, not hard rules.
type Policy struct {
	RadiusKm  map[models.Priority]float64
	MinRating map[models.Priority]float64
}

func DefaultPolicy() Policy {
	return Policy{
		RadiusKm: map[models.Priority]float64{
			models.PriorityNormal: 10,
			models.PriorityHigh:   15,
			models.PriorityUrgent: 25,
		},
		MinRating: map[models.Priority]float64{
			models.PriorityNormal: 4.5,
			models.PriorityHigh:   4.0,
			models.PriorityUrgent: 3.0,
		},
	}
}

func (p Policy) radius(pr models.Priority) float64 {
	if r, ok := p.RadiusKm[pr]; ok {
		return r
	}
	return p.RadiusKm[models.PriorityNormal]
}

func (p Policy) minRating(pr models.Priority) float64 {
	if r, ok := p.MinRating[pr]; ok {
		return r
	}
	return p.MinRating[models.PriorityNormal]
}

// Filter selects eligible drivers for a job from the location store and
// the profile snapshot.
type Filter struct {
	Locations location.Store
	Profiles  location.ProfileStore
	Policy    Policy
	TopN      int
}

// Candidates returns the eligible drivers for the job, unscored. An
// empty result is a normal outcome, not an error.
func (f *Filter) Candidates(ctx context.Context, job *models.Job) ([]models.Candidate, error) {
	radius := f.Policy.radius(job.Priority)
	minRating := f.Policy.minRating(job.Priority)

	limit := f.TopN
	if limit <= 0 {
		limit = 10
	}
	near, err := f.Locations.Near(ctx, job.Pickup, radius, limit)
	if err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, len(near))
	for _, d := range near {
		dist := location.HaversineKm(job.Pickup.Lat, job.Pickup.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radius {
			continue
		}
		profile, ok, err := f.Profiles.Profile(ctx, d.DriverID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// no profile yet, can't vet rating or service types
			continue
		}
		if profile.Rating < minRating {
			continue
		}
		if !profile.Serves(job.ServiceType) {
			continue
		}
		if job.VehicleClass != "" && profile.VehicleClass != job.VehicleClass {
			continue
		}
		out = append(out, models.Candidate{
			DriverID:     d.DriverID,
			Loc:          d.Loc,
			DistanceKm:   dist,
			Rating:       profile.Rating,
			TotalTrips:   profile.TotalTrips,
			VehicleClass: profile.VehicleClass,
		})
	}
	return out, nil
}
