package indicator

import "math"

// Bands holds one Bollinger band snapshot for the newest input value.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes the bands over the trailing period of prices using
// stdDevs standard deviations around the SMA. Returns false when prices is
// shorter than period.
func Bollinger(prices []float64, period int, stdDevs float64) (Bands, bool) {
	if period <= 0 || len(prices) < period {
		return Bands{}, false
	}

	tail := prices[len(prices)-period:]

	var sum float64
	for _, p := range tail {
		sum += p
	}
	mean := sum / float64(period)

	var variance float64
	for _, p := range tail {
		d := p - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))

	return Bands{
		Upper:  mean + stdDevs*sd,
		Middle: mean,
		Lower:  mean - stdDevs*sd,
	}, true
}
