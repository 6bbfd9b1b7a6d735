package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements CandidateFinder on Redis GEO commands, with a
// metadata hash per driver holding status, verification, vehicle type
// and rating. Shared across API nodes; fed by the location consumer.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func NewRedisGeoFromClient(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(d.ID), map[string]interface{}{
		"rating":       strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":       strconv.FormatBool(d.Online),
		"approved":     strconv.FormatBool(d.Approved),
		"vehicle_type": d.VehicleTypeID,
		"updated":      time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) FindNearby(ctx context.Context, origin models.Coord, radiusKm float64, f Filters) ([]Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		meta, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if meta["online"] != "true" || meta["approved"] != "true" {
			continue
		}
		if !f.matchesVehicle(meta["vehicle_type"]) {
			continue
		}
		out = append(out, Candidate{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}

// AverageRating returns the cached rolling rating for a driver, and
// false when the driver has no rating history. Satisfies the scoring
// engine's rating source without a round trip to Postgres.
func (r *RedisGeo) AverageRating(ctx context.Context, driverID string) (float64, bool, error) {
	v, err := r.client.HGet(ctx, MetaKey(driverID), "rating").Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, nil
	}
	return f, true, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }
