package geo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversine(t *testing.T) {
	// Dallas to Fort Worth is roughly 30 miles as the crow flies.
	d := Haversine(32.7767, -96.7970, 32.7555, -97.3308)
	assert.InDelta(t, 31, d, 1.5)
	assert.Zero(t, Haversine(10, 10, 10, 10))
}

func TestEstimate(t *testing.T) {
	e := Estimator{RoadFactor: 1, SpeedMPH: 30}
	miles, minutes, err := e.Estimate(context.Background(), 0, 0, 0, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 6.9, miles, 0.1)
	assert.InDelta(t, miles*2, minutes, 0.2)
}

func TestEstimateHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewEstimator().Estimate(ctx, 0, 0, 1, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
