package record

import "github.com/golang/geo/s2"

// EarthRadiusMeters is Earth's mean radius in meters.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two samples
// in meters.
func DistanceMeters(a, b *Sample) float64 {
	p1 := s2.LatLngFromDegrees(a.Latitude, a.Longitude)
	p2 := s2.LatLngFromDegrees(b.Latitude, b.Longitude)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// TrackDistanceMeters sums the leg distances of samples taken in the
// given order. Fewer than two samples cover no distance.
func TrackDistanceMeters(samples []*Sample) float64 {
	var total float64
	for i := 1; i < len(samples); i++ {
		total += DistanceMeters(samples[i-1], samples[i])
	}
	return total
}
