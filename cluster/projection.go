package cluster

import "math"

// LngX converts a longitude in degrees to a normalized x in the unit square.
func LngX(lng float64) float64 {
	return lng/360 + 0.5
}

// LatY converts a latitude in degrees to a normalized spherical Mercator y.
// North maps to smaller y. The result is clamped to [0, 1]; a value that
// cannot be computed falls back to the midpoint 0.5.
func LatY(lat float64) float64 {
	if lat == 90 {
		return 0
	}
	if lat == -90 {
		return 1
	}
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if math.IsNaN(y) {
		return 0.5
	}
	return math.Min(1, math.Max(0, y))
}

// XLng is the inverse of LngX.
func XLng(x float64) float64 {
	return (x - 0.5) * 360
}

// YLat is the inverse of LatY.
func YLat(y float64) float64 {
	y2 := (180 - y*360) * math.Pi / 180
	return 360*math.Atan(math.Exp(y2))/math.Pi - 90
}
