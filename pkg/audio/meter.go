package audio

import "math"

// RMS returns the root-mean-square level of samples, a loudness estimate in
// [0, 1] for normalised input. An empty slice measures 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
