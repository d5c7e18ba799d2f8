package geo

import (
	"errors"
	"fmt"
	"math"

	"ride-query/pkg/validation"
)

// EarthRadiusKm is the mean Earth radius used for all distances.
const EarthRadiusKm = 6371.0

// ErrInvalidCoordinate is returned for out-of-range or non-finite input.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks the point's range and finiteness.
func (p Point) Validate() error {
	if !validation.ValidateCoordinates(p.Lat, p.Lon) {
		return fmt.Errorf("%w: lat=%v lon=%v (latitude must be within [-90,90], longitude within [-180,180])",
			ErrInvalidCoordinate, p.Lat, p.Lon)
	}
	return nil
}

// Distance returns the great-circle distance in kilometres between a and b.
func Distance(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	return haversineKm(a, b), nil
}

// haversineKm assumes validated input.
func haversineKm(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// rounding can push h just outside [0,1]
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
