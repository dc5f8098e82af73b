// Package geo holds the geodesic helpers used by velocity checks and the
// default location tag of a visit.
package geo

import (
	"fmt"
	"math"

	"github.com/uber/h3-go/v4"
)

const (
	earthRadiusKm = 6371.0

	// DefaultCellResolution is roughly a city block (~0.1 km² per cell).
	DefaultCellResolution = 9
)

// ValidCoordinates reports whether lat/lon are finite and in range.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// DistanceKm is the great-circle distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180.0)*math.Cos(lat2*math.Pi/180.0)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// CellTag returns the H3 cell index containing the point, used as the
// location tag of a visit when the caller does not supply one.
func CellTag(lat, lon float64, resolution int) (string, error) {
	if !ValidCoordinates(lat, lon) {
		return "", fmt.Errorf("geo: invalid coordinates %f,%f", lat, lon)
	}
	if resolution <= 0 {
		resolution = DefaultCellResolution
	}

	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), resolution)
	if err != nil {
		return "", fmt.Errorf("geo: h3 cell: %w", err)
	}
	return cell.String(), nil
}
