package location

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/kwenda/dispatch/internal/models"
)

var origin = models.Coord{Lat: -4.3217, Lon: 15.3069}

func ping(id string, loc models.Coord, at time.Time) models.DriverLocation {
	return models.DriverLocation{DriverID: id, Loc: loc, Online: true, Available: true, LastPing: at}
}

func TestUpsertLastWriteWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(5 * time.Minute)
	now := time.Now()

	newer := ping("d1", models.Coord{Lat: -4.30, Lon: 15.30}, now)
	if err := m.Upsert(ctx, newer); err != nil {
		t.Fatal(err)
	}

	// delayed ping from an earlier position arrives out of order
	older := ping("d1", models.Coord{Lat: -4.40, Lon: 15.40}, now.Add(-30*time.Second))
	if err := m.Upsert(ctx, older); err != nil {
		t.Fatal(err)
	}

	got, ok, err := m.Get(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Loc != newer.Loc || !got.LastPing.Equal(now) {
		t.Fatalf("out-of-order ping overwrote newer record: %+v", got)
	}
}

func TestNearOrderedAndLimited(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(5 * time.Minute)
	now := time.Now()

	_ = m.Upsert(ctx, ping("far", models.Coord{Lat: -4.38, Lon: 15.3069}, now))
	_ = m.Upsert(ctx, ping("near", models.Coord{Lat: -4.3225, Lon: 15.3069}, now))
	_ = m.Upsert(ctx, ping("mid", models.Coord{Lat: -4.34, Lon: 15.3069}, now))

	got, err := m.Near(ctx, origin, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].DriverID != "near" || got[1].DriverID != "mid" || got[2].DriverID != "far" {
		t.Fatalf("unexpected order: %+v", got)
	}

	got, err = m.Near(ctx, origin, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("limit not applied nearest-first: %+v", got)
	}
}

func TestNearExcludesStaleAndOffline(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(5 * time.Minute)
	now := time.Now()

	_ = m.Upsert(ctx, ping("ok", models.Coord{Lat: -4.3225, Lon: 15.3069}, now))
	_ = m.Upsert(ctx, ping("stale", models.Coord{Lat: -4.3226, Lon: 15.3069}, now.Add(-6*time.Minute)))

	off := ping("offline", models.Coord{Lat: -4.3227, Lon: 15.3069}, now)
	off.Online = false
	_ = m.Upsert(ctx, off)

	busy := ping("busy", models.Coord{Lat: -4.3228, Lon: 15.3069}, now)
	busy.Available = false
	_ = m.Upsert(ctx, busy)

	got, err := m.Near(ctx, origin, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "ok" {
		t.Fatalf("expected only the live driver, got %+v", got)
	}
}

func TestCooldownExcludesFromNear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(5 * time.Minute)
	_ = m.Upsert(ctx, ping("d1", models.Coord{Lat: -4.3225, Lon: 15.3069}, time.Now()))

	if err := m.Cooldown(ctx, "d1", time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := m.Near(ctx, origin, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("cooled-down driver still matchable: %+v", got)
	}

	// Get reflects the cooldown so the matcher's re-check also skips
	d, ok, _ := m.Get(ctx, "d1")
	if !ok || d.Available {
		t.Fatalf("expected unavailable during cooldown, got %+v", d)
	}
}

func TestCooldownExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(5 * time.Minute)
	base := time.Now()
	m.now = func() time.Time { return base }

	_ = m.Upsert(ctx, ping("d1", models.Coord{Lat: -4.3225, Lon: 15.3069}, base))
	_ = m.Cooldown(ctx, "d1", time.Minute)

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	// refresh the ping so the record is not stale at the shifted clock
	_ = m.Upsert(ctx, ping("d1", models.Coord{Lat: -4.3225, Lon: 15.3069}, base.Add(2*time.Minute)))

	got, err := m.Near(ctx, origin, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected driver back after cooldown, got %+v", got)
	}
}

func TestHaversineKm(t *testing.T) {
	if d := HaversineKm(-4.3217, 15.3069, -4.3217, 15.3069); d != 0 {
		t.Fatalf("zero distance expected, got %f", d)
	}
	// one degree of latitude is ~111km
	d := HaversineKm(-4.3217, 15.3069, -3.3217, 15.3069)
	if math.Abs(d-111.19) > 0.5 {
		t.Fatalf("expected ~111.19km, got %f", d)
	}
	if HaversineKm(0, 0, 1, 1) != HaversineKm(1, 1, 0, 0) {
		t.Fatal("distance should be symmetric")
	}
}
