// Package geohash encodes coordinates as base32 geohash strings.
package geohash

import "fmt"

const (
	DefaultPrecision = 7
	MaxPrecision     = 12
)

const alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the geohash of the coordinates with precision characters.
// Coordinates are clamped to valid bounds. Latitude 90 is nudged below the
// pole and longitude 180 wraps to -180 so both stay inside the top cell.
func Encode(lat, lon float64, precision int) (string, error) {
	if precision < 1 || precision > MaxPrecision {
		return "", fmt.Errorf("precision must be between 1 and %d but is %d", MaxPrecision, precision)
	}

	lat = max(min(lat, 90), -90)
	lon = max(min(lon, 180), -180)
	if lat == 90 {
		lat = 89.999999999
	}
	if lon == 180 {
		lon = -180
	}

	latRange := [2]float64{-90, 90}
	lonRange := [2]float64{-180, 180}
	out := make([]byte, 0, precision)
	isLon := true
	for range precision {
		idx := 0
		for range 5 {
			idx <<= 1
			if isLon {
				idx |= bisect(&lonRange, lon)
			} else {
				idx |= bisect(&latRange, lat)
			}
			isLon = !isLon
		}
		out = append(out, alphabet[idx])
	}
	return string(out), nil
}

func bisect(r *[2]float64, v float64) int {
	mid := (r[0] + r[1]) / 2
	if v >= mid {
		r[0] = mid
		return 1
	}
	r[1] = mid
	return 0
}
