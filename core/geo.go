package core

import (
	"errors"
	"math"
)

// earthRadius is the mean Earth radius in meters used by the haversine formula.
const earthRadius = 6371000.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// DistanceMeters returns the great-circle distance in meters between two
// coordinates, computed with the haversine formula.
// NaN or out-of-range inputs return ErrInvalidCoordinate instead of letting
// NaN propagate through the math.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if !validLatitude(lat1) || !validLatitude(lat2) ||
		!validLongitude(lon1) || !validLongitude(lon2) {
		return 0, ErrInvalidCoordinate
	}

	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c, nil
}

func validLatitude(lat float64) bool {
	return !math.IsNaN(lat) && -90 <= lat && lat <= 90
}

func validLongitude(lon float64) bool {
	return !math.IsNaN(lon) && -180 <= lon && lon <= 180
}
