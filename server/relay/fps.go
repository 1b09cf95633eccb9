package relay

import (
	"math"
	"slices"
	"time"
)

// Given a set of consecutive frame intervals, estimate the average frames per
// second of the relay. The value is a float64 because an upstream source can
// run at less than 1 FPS (eg a timelapse camera).
func EstimateFPS(frameIntervals []time.Duration) float64 {
	if len(frameIntervals) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(frameIntervals))
	copy(sorted, frameIntervals)
	slices.Sort(sorted)
	mid := sorted[len(sorted)/2]
	if mid == 0 {
		return 0
	}
	fps := float64(time.Second) / float64(mid)
	if fps >= 0.9 {
		return math.Round(fps)
	}
	// Below 1 FPS, round the seconds-per-frame instead, so that eg a frame
	// every 2.004 seconds reads as 0.5 FPS and not 0.499.
	secondsPerFrame := 1.0 / fps
	return 1 / math.Round(secondsPerFrame)
}
