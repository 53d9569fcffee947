// Package geo computes distances between points on the Earth's surface.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusKm is the WGS-84 mean radius (IUGG R1).
const EarthRadiusKm = 6371.0088

// ErrInvalidCoordinate is returned when a latitude is outside [-90, 90] or a
// longitude is outside [-180, 180].
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Validate reports whether p lies within the valid degree ranges.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, p.Lat)
	}
	if math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, p.Lon)
	}
	return nil
}

// DistanceKm returns the great-circle distance in kilometres between
// (lat1, lon1) and (lat2, lon2).
func DistanceKm(lat1, lon1, lat2, lon2 float64) (float64, error) {
	return Between(Point{Lat: lat1, Lon: lon1}, Point{Lat: lat2, Lon: lon2})
}

// Between is DistanceKm for Points.
func Between(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	angle := s2.LatLngFromDegrees(a.Lat, a.Lon).Distance(s2.LatLngFromDegrees(b.Lat, b.Lon))
	return angle.Radians() * EarthRadiusKm, nil
}
