package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kwenda/dispatch/internal/models"
)

type fakeUpdater struct {
	geoFails  int
	hsetFails int
	geoCalls  int
	hsetCalls int

	lastGeoKey string
	lastLoc    *redis.GeoLocation
	lastMeta   map[string]interface{}

	storedPing string
	hgetErr    error
}

func (f *fakeUpdater) GeoAdd(_ context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoFails > 0 {
		f.geoFails--
		return errors.New("geoadd transient")
	}
	f.lastGeoKey = key
	f.lastLoc = loc
	return nil
}

func (f *fakeUpdater) HSet(_ context.Context, key string, values map[string]interface{}) error {
	f.hsetCalls++
	if f.hsetFails > 0 {
		f.hsetFails--
		return errors.New("hset transient")
	}
	f.lastMeta = values
	return nil
}

func (f *fakeUpdater) HGet(_ context.Context, _, _ string) (string, error) {
	if f.hgetErr != nil {
		return "", f.hgetErr
	}
	return f.storedPing, nil
}

func sample() *models.DriverLocation {
	return &models.DriverLocation{
		DriverID:  "d1",
		Loc:       models.Coord{Lat: -4.3217, Lon: 15.3069},
		Online:    true,
		Available: true,
		LastPing:  time.Now(),
		Heading:   90,
		SpeedMps:  8.5,
	}
}

func TestUpdateRedisRetriesThenSucceeds(t *testing.T) {
	f := &fakeUpdater{geoFails: 2}
	err := updateRedisWithRetry(context.Background(), f, "drivers_geo", sample(), 3, time.Millisecond)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 geoadd attempts, got %d", f.geoCalls)
	}
	if f.lastGeoKey != "drivers_geo" || f.lastLoc == nil || f.lastLoc.Name != "d1" {
		t.Fatalf("unexpected geoadd args: key=%s loc=%+v", f.lastGeoKey, f.lastLoc)
	}
	if f.lastMeta["online"] != "true" || f.lastMeta["available"] != "true" {
		t.Fatalf("meta flags not written: %+v", f.lastMeta)
	}
	if _, err := time.Parse(time.RFC3339Nano, f.lastMeta["last_ping"].(string)); err != nil {
		t.Fatalf("last_ping not RFC3339Nano: %v", err)
	}
}

func TestUpdateRedisFailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{geoFails: 5}
	err := updateRedisWithRetry(context.Background(), f, "drivers_geo", sample(), 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.geoCalls)
	}
}

func TestUpdateRedisRetriesHSet(t *testing.T) {
	f := &fakeUpdater{hsetFails: 1}
	err := updateRedisWithRetry(context.Background(), f, "drivers_geo", sample(), 3, time.Millisecond)
	if err != nil {
		t.Fatalf("expected success after hset retry, got %v", err)
	}
	if f.hsetCalls != 2 {
		t.Fatalf("expected 2 hset attempts, got %d", f.hsetCalls)
	}
}

func TestHasNewerPing(t *testing.T) {
	d := sample()

	f := &fakeUpdater{storedPing: d.LastPing.Add(time.Minute).Format(time.RFC3339Nano)}
	newer, err := hasNewerPing(context.Background(), f, d)
	if err != nil || !newer {
		t.Fatalf("expected stored ping to win: newer=%v err=%v", newer, err)
	}

	f = &fakeUpdater{storedPing: d.LastPing.Add(-time.Minute).Format(time.RFC3339Nano)}
	newer, err = hasNewerPing(context.Background(), f, d)
	if err != nil || newer {
		t.Fatalf("expected incoming ping to win: newer=%v err=%v", newer, err)
	}

	// no stored record: the caller treats the error as "go ahead and write"
	f = &fakeUpdater{hgetErr: redis.Nil}
	if _, err := hasNewerPing(context.Background(), f, d); err == nil {
		t.Fatal("expected error for missing record")
	}
}
