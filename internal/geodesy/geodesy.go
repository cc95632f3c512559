// Package geodesy implements the distance and bearing primitives the
// matcher and estimator build on.
package geodesy

import (
	"errors"
	"math"

	"github.com/transitpulse/realtime-tracker/internal/wire"
)

// ErrBadInput is returned when a coordinate carries a non-finite value.
var ErrBadInput = errors.New("geodesy: non-finite coordinate")

// earthRadiusMeters is the mean Earth radius used by the Haversine formula.
const earthRadiusMeters = 6_371_000.0

// DefaultNoiseFloorMeters is the minimum segment distance AverageBearing
// considers when the caller has no configured threshold; shorter
// segments are GPS jitter, not movement.
const DefaultNoiseFloorMeters = 1.0

func isFinite(c wire.Coordinate) bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) &&
		!math.IsNaN(c.Lng) && !math.IsInf(c.Lng, 0)
}

// IsFinite reports whether c's latitude and longitude are both finite,
// the validity check applied to every coordinate on ingest.
func IsFinite(c wire.Coordinate) bool {
	return isFinite(c)
}

// Distance returns the great-circle distance between a and b in meters
// using the Haversine formula.
func Distance(a, b wire.Coordinate) (float64, error) {
	if !isFinite(a) || !isFinite(b) {
		return 0, ErrBadInput
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c, nil
}

// Bearing returns the initial forward azimuth from a to b in degrees,
// normalized to [0, 360). It returns ok=false when either point carries
// a non-finite coordinate.
func Bearing(a, b wire.Coordinate) (degrees float64, ok bool) {
	if !isFinite(a) || !isFinite(b) {
		return 0, false
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)

	theta := math.Atan2(y, x) * 180 / math.Pi
	return normalizeDegrees(theta), true
}

func normalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// HistorySample is one entry of a bus's recent-position ring, as
// consumed by AverageBearing.
type HistorySample struct {
	Position wire.Coordinate
}

// AverageBearing computes the circular mean of the bearings between
// adjacent history samples. Pairs whose distance falls
// below noiseFloorMeters are skipped entirely — both for the distance
// filter and as a potential bearing source. It returns ok=false when
// fewer than one qualifying segment exists.
func AverageBearing(history []HistorySample, noiseFloorMeters float64) (degrees float64, ok bool) {
	var sumCos, sumSin float64
	var count int

	for i := 0; i+1 < len(history); i++ {
		a := history[i].Position
		b := history[i+1].Position

		d, err := Distance(a, b)
		if err != nil || d < noiseFloorMeters {
			continue
		}

		brg, bok := Bearing(a, b)
		if !bok {
			continue
		}

		rad := brg * math.Pi / 180
		sumCos += math.Cos(rad)
		sumSin += math.Sin(rad)
		count++
	}

	if count == 0 {
		return 0, false
	}

	mean := math.Atan2(sumSin, sumCos) * 180 / math.Pi
	return normalizeDegrees(mean), true
}

// CircularDistance returns the shortest angular distance between two
// bearings in degrees, always in [0, 180].
func CircularDistance(a, b float64) float64 {
	diff := math.Abs(a - b)
	if diff > 180 {
		diff = 360 - diff
	}
	return diff
}
