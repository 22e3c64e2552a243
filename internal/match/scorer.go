package match

import (
	"sort"

	"github.com/kwenda/dispatch/internal/models"
)

// Score rates a candidate's suitability for a job. Pure function:
// decreasing in distance, increasing in rating and experience, floored
// at zero. The step bonuses keep the ranking interpretable; inputs are
// too noisy to justify anything fancier.
func Score(c models.Candidate) float64 {
	s := 100.0 - c.DistanceKm*10.0

	switch {
	case c.Rating >= 4.5:
		s += 20
	case c.Rating >= 4.0:
		s += 10
	}

	switch {
	case c.TotalTrips > 100:
		s += 15
	case c.TotalTrips > 50:
		s += 10
	case c.TotalTrips > 10:
		s += 5
	}

	if s < 0 {
		s = 0
	}
	return s
}

// Rank scores the candidates and sorts them best-first. Ties break on
// driver ID so the ordering is stable across runs.
func Rank(cands []models.Candidate) []models.Candidate {
	out := make([]models.Candidate, len(cands))
	copy(out, cands)
	for i := range out {
		out[i].Score = Score(out[i])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}
