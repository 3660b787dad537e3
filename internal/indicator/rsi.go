package indicator

import "math"

// RSI returns the Wilder-smoothed relative strength index. The seed average
// covers the first period changes, so the first value lands at index period
// and everything before it is NaN.
func RSI(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) <= period {
		return nil
	}
	rsi := make([]float64, len(prices))
	for i := 0; i < period; i++ {
		rsi[i] = math.NaN()
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain += change
		} else {
			loss += -change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	at := func(avgGain, avgLoss float64) float64 {
		if avgLoss == 0 {
			return 100
		}
		rs := avgGain / avgLoss
		return 100 - (100 / (1 + rs))
	}
	rsi[period] = at(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain = change
			loss = 0
		} else {
			gain = 0
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		rsi[i] = at(avgGain, avgLoss)
	}
	return rsi
}
