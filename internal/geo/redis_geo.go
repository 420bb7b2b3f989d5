package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Index using Redis GEO commands for positions and one
// hash per driver for metadata.
type RedisGeo struct {
	client redis.Cmdable
	key    string
}

func NewRedisGeo(addr, password, key string) (*RedisGeo, *redis.Client) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoWithClient(c, key), c
}

func NewRedisGeoWithClient(c redis.Cmdable, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) SetLocation(ctx context.Context, driverID string, loc models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return r.client.HSet(ctx, metaKey(driverID), "updated", time.Now().UTC().Format(time.RFC3339)).Err()
}

func (r *RedisGeo) UpsertDriver(ctx context.Context, p models.DriverProfile) error {
	return r.client.HSet(ctx, metaKey(p.ID), metaFromProfile(p)).Err()
}

func (r *RedisGeo) Driver(ctx context.Context, driverID string) (models.DriverProfile, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverProfile{}, err
	}
	p, ok := profileFromMeta(driverID, m)
	if !ok {
		return models.DriverProfile{}, models.ErrNotFound
	}
	return p, nil
}

// Nearby asks Redis for everything inside the radius in ascending distance,
// then filters on metadata. Filtering happens client side, so COUNT cannot
// be pushed down without risking short results.
func (r *RedisGeo) Nearby(ctx context.Context, q Query) ([]models.Candidate, error) {
	radius := q.MaxDistance
	if radius <= 0 {
		radius = 5000
	}
	locs, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Origin.Lon,
			Latitude:   q.Origin.Lat,
			Radius:     radius,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	if len(locs) == 0 {
		return nil, nil
	}

	ex := q.excluded()
	pending := make([]redis.GeoLocation, 0, len(locs))
	for _, l := range locs {
		if _, skip := ex[l.Name]; !skip {
			pending = append(pending, l)
		}
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(pending))
	for i, l := range pending {
		cmds[i] = pipe.HGetAll(ctx, metaKey(l.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("driver metadata: %w", err)
	}

	limit := q.limit()
	out := make([]models.Candidate, 0, limit)
	for i, l := range pending {
		p, ok := profileFromMeta(l.Name, cmds[i].Val())
		if !ok || !eligible(p, ex) {
			continue
		}
		out = append(out, candidateFor(p, models.Coord{Lat: l.Latitude, Lon: l.Longitude}, l.Dist))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }

func metaFromProfile(p models.DriverProfile) map[string]interface{} {
	m := map[string]interface{}{
		"name":         p.Name,
		"role":         p.Role,
		"availability": p.Availability,
		"rating":       strconv.FormatFloat(p.Rating, 'f', -1, 64),
	}
	if v := p.Vehicle; v != nil {
		m["vehicle_model"] = v.Model
		m["vehicle_plate"] = v.Plate
		m["vehicle_type"] = v.Type
		m["vehicle_capacity"] = strconv.Itoa(v.PassengerCapacity)
	}
	return m
}

// profileFromMeta rebuilds a profile from its hash. A hash without a role
// belongs to an actor that never registered as anything and is ignored.
func profileFromMeta(id string, m map[string]string) (models.DriverProfile, bool) {
	role, ok := m["role"]
	if !ok || role == "" {
		return models.DriverProfile{}, false
	}
	p := models.DriverProfile{
		ID:           id,
		Name:         m["name"],
		Role:         role,
		Availability: m["availability"],
	}
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Rating = f
		}
	}
	if model, ok := m["vehicle_model"]; ok {
		veh := &models.Vehicle{Model: model, Plate: m["vehicle_plate"], Type: m["vehicle_type"]}
		if n, err := strconv.Atoi(m["vehicle_capacity"]); err == nil {
			veh.PassengerCapacity = n
		}
		p.Vehicle = veh
	}
	return p, true
}
