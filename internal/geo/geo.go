package geo

import (
	"fmt"
	"math"

	"github.com/example/ride-booking/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the haversine great-circle distance between two points
// in kilometers. Coordinates are validated; everything else is pure math.
func DistanceKm(a, b models.Coord) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, fmt.Errorf("from: %w", err)
	}
	if err := Validate(b); err != nil {
		return 0, fmt.Errorf("to: %w", err)
	}
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c, nil
}

// Validate rejects NaN and out-of-range coordinates.
func Validate(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return fmt.Errorf("coordinate is NaN")
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %f out of range", c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("longitude %f out of range", c.Lng)
	}
	return nil
}
