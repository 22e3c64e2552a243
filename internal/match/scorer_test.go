package match

import (
	"testing"

	"github.com/kwenda/dispatch/internal/models"
)

func TestScoreDecreasesWithDistance(t *testing.T) {
	// equal rating and experience: ordering must follow distance
	prev := Score(models.Candidate{DistanceKm: 0, Rating: 4.8, TotalTrips: 120})
	for _, d := range []float64{1, 2.5, 5, 9.9} {
		s := Score(models.Candidate{DistanceKm: d, Rating: 4.8, TotalTrips: 120})
		if s >= prev {
			t.Fatalf("score not strictly decreasing at %.1fkm: %f >= %f", d, s, prev)
		}
		prev = s
	}
}

func TestScoreBonuses(t *testing.T) {
	cases := []struct {
		rating float64
		trips  int
		want   float64
	}{
		{4.8, 120, 100 + 20 + 15},
		{4.5, 100, 100 + 20 + 10},
		{4.0, 51, 100 + 10 + 10},
		{4.2, 11, 100 + 10 + 5},
		{3.9, 10, 100},
		{3.0, 0, 100},
	}
	for _, c := range cases {
		got := Score(models.Candidate{DistanceKm: 0, Rating: c.rating, TotalTrips: c.trips})
		if got != c.want {
			t.Fatalf("rating=%.1f trips=%d: got %f want %f", c.rating, c.trips, got, c.want)
		}
	}
}

func TestScoreFlooredAtZero(t *testing.T) {
	if s := Score(models.Candidate{DistanceKm: 50, Rating: 3.0, TotalTrips: 0}); s != 0 {
		t.Fatalf("expected floor at 0, got %f", s)
	}
}

func TestRankBestFirstStableTies(t *testing.T) {
	ranked := Rank([]models.Candidate{
		{DriverID: "far", DistanceKm: 8, Rating: 4.8, TotalTrips: 120},
		{DriverID: "near", DistanceKm: 1, Rating: 4.8, TotalTrips: 120},
		{DriverID: "b", DistanceKm: 3, Rating: 4.0, TotalTrips: 60},
		{DriverID: "a", DistanceKm: 3, Rating: 4.0, TotalTrips: 60},
	})
	if ranked[0].DriverID != "near" {
		t.Fatalf("expected near first, got %s", ranked[0].DriverID)
	}
	if ranked[1].DriverID != "a" || ranked[2].DriverID != "b" {
		t.Fatalf("expected tie broken by driver id, got %s then %s", ranked[1].DriverID, ranked[2].DriverID)
	}
	if ranked[3].DriverID != "far" {
		t.Fatalf("expected far last, got %s", ranked[3].DriverID)
	}
}
