package location

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kwenda/dispatch/internal/models"
)

// Redis implements Store and ProfileStore on top of a Redis GEO set
// plus per-driver metadata hashes. Writers never block readers; the
// matcher tolerates the resulting weak consistency.
type Redis struct {
	client    *redis.Client
	geoKey    string
	staleness time.Duration

	Notify func(models.DriverLocation)
}

func NewRedis(addr, password, geoKey string, staleness time.Duration) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, geoKey: geoKey, staleness: staleness}
}

func metaKey(id string) string     { return "driver:meta:" + id }
func profileKey(id string) string  { return "driver:profile:" + id }
func cooldownKey(id string) string { return "driver:cooldown:" + id }

func (r *Redis) Upsert(ctx context.Context, d models.DriverLocation) error {
	if d.LastPing.IsZero() {
		d.LastPing = time.Now()
	}
	// last-write-wins guard: skip if a newer ping is already stored
	if cur, err := r.client.HGet(ctx, metaKey(d.DriverID), "last_ping").Result(); err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, cur); perr == nil && ts.After(d.LastPing) {
			return nil
		}
	}
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID,
	}).Result(); err != nil {
		return err
	}
	err := r.client.HSet(ctx, metaKey(d.DriverID), map[string]interface{}{
		"online":    strconv.FormatBool(d.Online),
		"available": strconv.FormatBool(d.Available),
		"last_ping": d.LastPing.Format(time.RFC3339Nano),
		"heading":   strconv.FormatFloat(d.Heading, 'f', -1, 64),
		"speed_mps": strconv.FormatFloat(d.SpeedMps, 'f', -1, 64),
	}).Err()
	if err != nil {
		return err
	}
	if r.Notify != nil {
		r.Notify(d)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, driverID string) (models.DriverLocation, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverLocation{}, false, err
	}
	if len(m) == 0 {
		return models.DriverLocation{}, false, nil
	}
	pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result()
	if err != nil {
		return models.DriverLocation{}, false, err
	}
	d := decodeMeta(driverID, m)
	if len(pos) > 0 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	if cd, err := r.client.Exists(ctx, cooldownKey(driverID)).Result(); err == nil && cd > 0 {
		d.Available = false
	}
	return d, true, nil
}

func (r *Redis) Cooldown(ctx context.Context, driverID string, d time.Duration) error {
	return r.client.Set(ctx, cooldownKey(driverID), "1", d).Err()
}

func (r *Redis) Near(ctx context.Context, origin models.Coord, radiusKm float64, limit int) ([]models.DriverLocation, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Count:      limit,
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d := decodeMeta(g.Name, m)
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !d.Online || !d.Available {
			continue
		}
		if now.Sub(d.LastPing) > r.staleness {
			continue
		}
		if cd, err := r.client.Exists(ctx, cooldownKey(g.Name)).Result(); err == nil && cd > 0 {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Redis) Profile(ctx context.Context, driverID string) (models.DriverProfile, bool, error) {
	m, err := r.client.HGetAll(ctx, profileKey(driverID)).Result()
	if err != nil {
		return models.DriverProfile{}, false, err
	}
	if len(m) == 0 {
		return models.DriverProfile{}, false, nil
	}
	p := models.DriverProfile{DriverID: driverID}
	if v, ok := m["rating"]; ok {
		p.Rating, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["total_trips"]; ok {
		p.TotalTrips, _ = strconv.Atoi(v)
	}
	p.VehicleClass = m["vehicle_class"]
	if v, ok := m["service_types"]; ok && v != "" {
		p.ServiceTypes = strings.Split(v, ",")
	}
	return p, true, nil
}

func (r *Redis) SetProfile(ctx context.Context, p models.DriverProfile) error {
	return r.client.HSet(ctx, profileKey(p.DriverID), map[string]interface{}{
		"rating":        strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"total_trips":   strconv.Itoa(p.TotalTrips),
		"vehicle_class": p.VehicleClass,
		"service_types": strings.Join(p.ServiceTypes, ","),
	}).Err()
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }

func decodeMeta(id string, m map[string]string) models.DriverLocation {
	d := models.DriverLocation{DriverID: id}
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	if v, ok := m["last_ping"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.LastPing = ts
		}
	}
	if v, ok := m["heading"]; ok {
		d.Heading, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["speed_mps"]; ok {
		d.SpeedMps, _ = strconv.ParseFloat(v, 64)
	}
	return d
}
