// Package eta turns pickup distances into the arrival estimate shown to riders.
package eta

import "math"

// DefaultSpeedKmh is the average city speed assumed when no routing engine
// is consulted.
const DefaultSpeedKmh = 30.0

// Minutes estimates travel time in whole minutes for distanceMeters at
// speedKmh. Non-positive speeds fall back to DefaultSpeedKmh.
func Minutes(distanceMeters, speedKmh float64) int {
	return int(math.Round(Seconds(distanceMeters, speedKmh) / 60))
}

func Seconds(distanceMeters, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	if distanceMeters <= 0 {
		return 0
	}
	return distanceMeters / (speedKmh / 3.6)
}
