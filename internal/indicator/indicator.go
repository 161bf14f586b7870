// Package indicator implements the pure, stateless technical-indicator
// functions the Signal Evaluator composes: EMA, Wilder's RSI, StochRSI, ATR,
// and a volume SMA. Every function here is deterministic given its inputs
// (P6, P8) and returns ok=false when the input series is too short.
package indicator

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// EMA computes the exponential moving average series, seeded with the SMA of
// the first `period` values, alpha = 2/(period+1). Returns the full series
// aligned to the input (leading period-1 entries are NaN) and ok=false if
// there are fewer than `period` values.
func EMA(values []float64, period int) (series []float64, ok bool) {
	if period <= 0 || len(values) < period {
		return nil, false
	}
	series = make([]float64, len(values))
	for i := 0; i < period-1; i++ {
		series[i] = math.NaN()
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	series[period-1] = sum / float64(period)
	alpha := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		series[i] = alpha*values[i] + (1-alpha)*series[i-1]
	}
	return series, true
}

// EMALast is a convenience wrapper returning only the final EMA value.
func EMALast(values []float64, period int) (float64, bool) {
	series, ok := EMA(values, period)
	if !ok {
		return 0, false
	}
	return series[len(series)-1], true
}

// RSI computes Wilder's RSI series using exponential smoothing factor
// 1/period on the average gain/loss. The first `period` entries are NaN.
func RSI(values []float64, period int) (series []float64, ok bool) {
	if period <= 0 || len(values) <= period {
		return nil, false
	}
	series = make([]float64, len(values))
	for i := 0; i <= period; i++ {
		series[i] = math.NaN()
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss += -delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	series[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		series[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return series, true
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// StochRSIResult is the %K/%D series pair.
type StochRSIResult struct {
	K []float64
	D []float64
}

// StochRSI computes the Stochastic of RSI per spec.md §4.C: RSI series, then
// for each point the normalized position of RSI within its trailing window
// (a flat window returns 0.5, never NaN — B2), then SMA-smoothed into %K and
// %D. Values are on a 0-100 scale.
func StochRSI(values []float64, rsiPeriod, stochPeriod, kSmooth, dSmooth int) (StochRSIResult, bool) {
	rsiSeries, ok := RSI(values, rsiPeriod)
	if !ok || len(rsiSeries) < rsiPeriod+stochPeriod {
		return StochRSIResult{}, false
	}

	raw := make([]float64, len(rsiSeries))
	for i := range raw {
		raw[i] = math.NaN()
	}
	start := rsiPeriod + stochPeriod - 1
	for t := start; t < len(rsiSeries); t++ {
		window := rsiSeries[t-stochPeriod+1 : t+1]
		lo, hi := window[0], window[0]
		for _, v := range window {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi == lo {
			raw[t] = 0.5
		} else {
			raw[t] = (rsiSeries[t] - lo) / (hi - lo)
		}
	}

	k := smaSeries(raw, kSmooth)
	for i := range k {
		if !math.IsNaN(k[i]) {
			k[i] *= 100
		}
	}
	d := smaSeries(k, dSmooth)
	if allNaN(k) || allNaN(d) {
		return StochRSIResult{}, false
	}
	return StochRSIResult{K: k, D: d}, true
}

// smaSeries computes a trailing simple moving average, leaving NaN until the
// window is full. Input NaNs before the window is available are skipped over.
func smaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 {
		return out
	}
	firstValid := 0
	for firstValid < len(values) && math.IsNaN(values[firstValid]) {
		firstValid++
	}
	for t := firstValid + period - 1; t < len(values); t++ {
		sum := 0.0
		bad := false
		for i := t - period + 1; i <= t; i++ {
			if math.IsNaN(values[i]) {
				bad = true
				break
			}
			sum += values[i]
		}
		if !bad {
			out[t] = sum / float64(period)
		}
	}
	return out
}

func allNaN(values []float64) bool {
	for _, v := range values {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// ATR computes Wilder's average true range over candles. TR_t = max(h-l,
// |h-prevClose|, |l-prevClose|). Returns ok=false if fewer than period+1
// candles are supplied.
func ATR(candles []types.Candle, period int) (series []float64, ok bool) {
	if period <= 0 || len(candles) <= period {
		return nil, false
	}
	tr := make([]float64, len(candles))
	tr[0] = toF(candles[0].H) - toF(candles[0].L)
	for i := 1; i < len(candles); i++ {
		h, l, pc := toF(candles[i].H), toF(candles[i].L), toF(candles[i-1].C)
		tr[i] = math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
	}

	series = make([]float64, len(candles))
	for i := 0; i < period; i++ {
		series[i] = math.NaN()
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	series[period] = sum / float64(period)
	for i := period + 1; i < len(candles); i++ {
		series[i] = (series[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return series, true
}

// VolumeSMA computes the simple moving average of candle volume.
func VolumeSMA(candles []types.Candle, period int) (series []float64, ok bool) {
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = toF(c.V)
	}
	return smaSeries(volumes, period), len(candles) >= period
}

func toF(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
