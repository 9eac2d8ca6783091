package geo

import (
	"context"
	"math"

	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

const earthRadiusMiles = 3958.8

// Estimator approximates drives from straight-line distance. RoadFactor
// scales great-circle distance to road distance; SpeedMPH is the average
// urban speed.
type Estimator struct {
	RoadFactor float64
	SpeedMPH   float64
}

var _ port.RouteEstimator = Estimator{}

// NewEstimator returns an estimator with urban defaults.
func NewEstimator() Estimator {
	return Estimator{RoadFactor: 1.3, SpeedMPH: 24}
}

// Estimate implements port.RouteEstimator.
func (e Estimator) Estimate(ctx context.Context, fromLat, fromLng, toLat, toLng float64) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	miles := Haversine(fromLat, fromLng, toLat, toLng) * e.RoadFactor
	minutes := 0.0
	if e.SpeedMPH > 0 {
		minutes = miles / e.SpeedMPH * 60
	}
	return round1(miles), round1(minutes), nil
}

// Haversine returns the great-circle distance in miles.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(a))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
