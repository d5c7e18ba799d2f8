package rides

import (
	"context"
	"strconv"
	"time"

	"ride-query/pkg/geo"
)

// HashCache stores flat string hashes; pkg/redis.Client satisfies it.
type HashCache interface {
	CacheHash(ctx context.Context, key string, data map[string]string) error
	GetHash(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, key string) error
}

func cacheKey(id int64) string { return "ride:" + strconv.FormatInt(id, 10) }

func rideToHash(r *Ride) map[string]string {
	h := map[string]string{
		"id":          strconv.FormatInt(r.ID, 10),
		"rider_id":    r.RiderID,
		"pickup_lat":  strconv.FormatFloat(r.Pickup.Lat, 'f', -1, 64),
		"pickup_lon":  strconv.FormatFloat(r.Pickup.Lon, 'f', -1, 64),
		"pickup_time": r.PickupTime.Format(time.RFC3339Nano),
		"created_at":  r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  r.UpdatedAt.Format(time.RFC3339Nano),
	}
	if r.DriverID != nil {
		h["driver_id"] = *r.DriverID
	}
	if r.Dropoff != nil {
		h["dropoff_lat"] = strconv.FormatFloat(r.Dropoff.Lat, 'f', -1, 64)
		h["dropoff_lon"] = strconv.FormatFloat(r.Dropoff.Lon, 'f', -1, 64)
	}
	return h
}

// rideFromHash returns ok=false for an empty or malformed hash.
func rideFromHash(h map[string]string) (*Ride, bool) {
	if len(h) == 0 {
		return nil, false
	}
	var (
		r   Ride
		err error
	)
	parse := func(field string) float64 {
		if err != nil {
			return 0
		}
		var f float64
		f, err = strconv.ParseFloat(h[field], 64)
		return f
	}
	parseTime := func(field string) time.Time {
		if err != nil {
			return time.Time{}
		}
		var t time.Time
		t, err = time.Parse(time.RFC3339Nano, h[field])
		return t
	}

	r.ID, err = strconv.ParseInt(h["id"], 10, 64)
	r.RiderID = h["rider_id"]
	r.Pickup = geo.Point{Lat: parse("pickup_lat"), Lon: parse("pickup_lon")}
	r.PickupTime = parseTime("pickup_time")
	r.CreatedAt = parseTime("created_at")
	r.UpdatedAt = parseTime("updated_at")
	if d, ok := h["driver_id"]; ok {
		r.DriverID = &d
	}
	if _, ok := h["dropoff_lat"]; ok {
		r.Dropoff = &geo.Point{Lat: parse("dropoff_lat"), Lon: parse("dropoff_lon")}
	}
	if err != nil {
		return nil, false
	}
	return &r, true
}
