package rides

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"ride-query/internal/status"
)

// ParseQuery reads filter, sort and paging parameters from a query string.
func ParseQuery(q url.Values) (Params, Sort, PageRequest, error) {
	var (
		p   Params
		pr  PageRequest
		err error
	)

	by, err := ParseSort(q.Get("sort_by"))
	if err != nil {
		return p, "", pr, err
	}

	p.Role = strings.TrimSpace(q.Get("role"))
	p.UserID = strings.TrimSpace(q.Get("user_id"))

	if v := strings.TrimSpace(q.Get("status")); v != "" {
		st, err := status.Parse(v)
		if err != nil {
			return p, "", pr, invalidf("status must be one of %v", status.All())
		}
		p.Status = &st
	}

	if p.PickupFrom, err = parseTime(q, false, "pickup_from", "pickup_time_from"); err != nil {
		return p, "", pr, err
	}
	if p.PickupTo, err = parseTime(q, true, "pickup_to", "pickup_time_to"); err != nil {
		return p, "", pr, err
	}
	if p.CreatedFrom, err = parseTime(q, false, "date_from"); err != nil {
		return p, "", pr, err
	}
	if p.CreatedTo, err = parseTime(q, true, "date_to"); err != nil {
		return p, "", pr, err
	}

	if p.Lat, err = parseFloat(q, "lat"); err != nil {
		return p, "", pr, err
	}
	if p.Lon, err = parseFloat(q, "lon"); err != nil {
		return p, "", pr, err
	}
	if p.RadiusKm, err = parseFloat(q, "radius_km"); err != nil {
		return p, "", pr, err
	}

	p.RiderEmail = q.Get("rider_email")
	p.RiderName = q.Get("rider_name")
	p.DriverName = q.Get("driver_name")

	if pr.Page, err = parsePositiveInt(q, "page"); err != nil {
		return p, "", pr, err
	}
	if pr.Size, err = parsePositiveInt(q, "page_size"); err != nil {
		return p, "", pr, err
	}
	return p, by, pr, nil
}

// ScopeToCaller restricts non-admin callers to their own rides.
func ScopeToCaller(p *Params, userID, role string) error {
	switch role {
	case RoleAdmin:
		return nil
	case RoleRider, RoleDriver:
		if p.Role != "" && (p.Role != role || (p.UserID != "" && p.UserID != userID)) {
			return ErrForbidden
		}
		p.Role, p.UserID = role, userID
		return nil
	}
	return ErrForbidden
}

// parseTime reads the first present key as RFC 3339 or a bare date. A bare
// date used as an upper bound covers the whole day.
func parseTime(q url.Values, upper bool, keys ...string) (*time.Time, error) {
	for _, k := range keys {
		v := strings.TrimSpace(q.Get(k))
		if v == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return &t, nil
			}
		}
		if t, err := time.Parse(time.DateOnly, v); err == nil {
			if upper {
				t = t.Add(24*time.Hour - time.Nanosecond)
			}
			return &t, nil
		}
		return nil, invalidf("%s must be an RFC 3339 timestamp or a date", k)
	}
	return nil, nil
}

func parseFloat(q url.Values, key string) (*float64, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, invalidf("%s must be a number", key)
	}
	return &f, nil
}

func parsePositiveInt(q url.Values, key string) (int, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, invalidf("%s must be a positive integer", key)
	}
	return n, nil
}
