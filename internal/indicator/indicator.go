// Package indicator
package indicator

// Series helpers shared by the strategy implementations. All functions
// return nil when the input is shorter than the requested period.

// SMA returns the simple moving average aligned to the input: out[i] covers
// values[i-period+1..i]. Entries before the first full period are zero.
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// Last returns the final value of a series, or 0 when empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
