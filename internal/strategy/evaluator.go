// Package strategy applies the StochRSI + EMA confluence rules (plus a
// volume-confirmation filter and optional dynamic bands) to a candle
// snapshot and produces a Signal. Grounded on the teacher's
// internal/strategy/taker.go: a config struct, a stateful evaluator with its
// own cooldown/lifecycle shape, and a composite strength score built from
// weighted bonuses — generalized here from order-book imbalance to
// StochRSI/EMA crossover confirmation.
package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/indicator"
	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Config mirrors the strategy.* options of spec.md §6.4.
type Config struct {
	RSIPeriod       int
	StochPeriod     int
	KSmooth         int
	DSmooth         int
	OversoldUpper   float64
	OverboughtLower float64
	EMAFast         int
	EMASlow         int
	VolumeEnabled   bool
	VolumeRatio     float64
	ATRPeriod       int
	VolSMAPeriod    int
	SlopeLookback   int

	DynamicBandsEnabled     bool
	DynamicBandsSensitivity float64
	DynamicBandsBaseWindow  int
}

// Evaluator wraps a Config so callers don't have to thread it through every
// call; Evaluate itself remains a pure function of (candles, config) per
// P6/P8 — the Evaluator holds no mutable state between calls.
type Evaluator struct {
	cfg Config
}

func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate computes the signal and indicator snapshot for one symbol from
// its candle history (oldest first), stamping the result with nowFn().
func (e *Evaluator) Evaluate(symbol types.Symbol, candles []types.Candle, nowFn func() time.Time) (types.Signal, types.Indicators) {
	return Evaluate(symbol, candles, e.cfg, nowFn)
}

// Evaluate is the free-function form, implementing spec.md §4.D directly on
// a candle snapshot (oldest first) and a strategy Config. nowFn supplies the
// timestamp stamped onto the returned Signal.
func Evaluate(symbol types.Symbol, candles []types.Candle, cfg Config, nowFn func() time.Time) (types.Signal, types.Indicators) {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		f, _ := c.C.Float64()
		closes[i] = f
	}

	stoch, stochOK := indicator.StochRSI(closes, cfg.RSIPeriod, cfg.StochPeriod, cfg.KSmooth, cfg.DSmooth)
	emaFastSeries, emaFastOK := indicator.EMA(closes, cfg.EMAFast)
	emaSlowSeries, emaSlowOK := indicator.EMA(closes, cfg.EMASlow)
	rsiSeries, _ := indicator.RSI(closes, cfg.RSIPeriod)
	atrSeries, atrOK := indicator.ATR(candles, cfg.ATRPeriod)
	volSMASeries, volOK := indicator.VolumeSMA(candles, cfg.VolSMAPeriod)

	ind := types.Indicators{}
	if stochOK && emaFastOK && emaSlowOK {
		n := len(closes)
		ind.StochK = decimalFromFloat(stoch.K[n-1])
		ind.StochD = decimalFromFloat(stoch.D[n-1])
		ind.EMAFast = decimalFromFloat(emaFastSeries[n-1])
		ind.EMASlow = decimalFromFloat(emaSlowSeries[n-1])
		if len(rsiSeries) > 0 {
			ind.RSI = decimalFromFloat(rsiSeries[n-1])
		}
		if atrOK {
			ind.ATR = decimalFromFloat(atrSeries[n-1])
		}
		if volOK {
			ind.VolSMA = decimalFromFloat(volSMASeries[n-1])
		}
		ind.Valid = true
	}

	if !stochOK || !emaFastOK || !emaSlowOK || len(candles) < 2 {
		return types.Signal{Symbol: symbol, Side: types.SignalHold, Reason: "insufficient history", TS: nowFn()}, ind
	}

	n := len(closes)
	kCur, kPrev := stoch.K[n-1], stoch.K[n-2]
	dCur, dPrev := stoch.D[n-1], stoch.D[n-2]
	emaFastCur, emaSlowCur := emaFastSeries[n-1], emaSlowSeries[n-1]

	oversoldUpper, overboughtLower := cfg.OversoldUpper, cfg.OverboughtLower
	if cfg.DynamicBandsEnabled && atrOK {
		oversoldUpper, overboughtLower = dynamicBands(atrSeries, cfg)
	}

	volumeConfirmed := true
	volRatio := 0.0
	if cfg.VolumeEnabled {
		if !volOK || volSMASeries[n-1] == 0 {
			volumeConfirmed = false
		} else {
			volRatio = closes2Volume(candles, n-1) / volSMASeries[n-1]
			volumeConfirmed = volRatio >= cfg.VolumeRatio
		}
	}

	crossedUp := kPrev <= dPrev && kCur > dCur
	crossedDown := kPrev >= dPrev && kCur < dCur

	side := types.SignalHold
	reason := "no crossover"
	switch {
	case crossedUp && kCur < oversoldUpper && emaFastCur > emaSlowCur && (!cfg.VolumeEnabled || volumeConfirmed):
		side = types.SignalBuy
		reason = fmt.Sprintf("%%K crossed above %%D at %.2f, ema_fast>ema_slow, oversold", kCur)
	case crossedDown && kCur > overboughtLower:
		side = types.SignalSell
		reason = fmt.Sprintf("%%K crossed below %%D at %.2f, overbought", kCur)
	}

	strength := 0.0
	if side != types.SignalHold {
		strength = computeStrength(side, volRatio, emaFastSeries, emaSlowSeries, cfg.SlopeLookback)
	}

	return types.Signal{
		Symbol:   symbol,
		Side:     side,
		Strength: strength,
		Reason:   reason,
		TS:       nowFn(),
	}, ind
}

// computeStrength implements spec.md §4.D's strength formula: base 0.5,
// +0.2 if volume ratio >= 1.5, +0.1 if >= 1.2, +0.2 if the EMA slope over
// the last SlopeLookback bars points in the signal's direction, clamped to
// [0,1].
func computeStrength(side types.SignalSide, volRatio float64, emaFast, emaSlow []float64, lookback int) float64 {
	strength := 0.5
	switch {
	case volRatio >= 1.5:
		strength += 0.2
	case volRatio >= 1.2:
		strength += 0.1
	}

	n := len(emaFast)
	if lookback > 0 && n > lookback {
		slope := emaFast[n-1] - emaFast[n-1-lookback]
		if (side == types.SignalBuy && slope > 0) || (side == types.SignalSell && slope < 0) {
			strength += 0.2
		}
	}

	if strength > 1 {
		strength = 1
	}
	if strength < 0 {
		strength = 0
	}
	return strength
}

// dynamicBands widens the oversold/overbought thresholds by the ATR ratio
// against its own trailing baseline, clamped to [10,30]/[70,90]. The
// reference implementation this is modeled on had the adjustment wired to a
// baseline that never moved off its initial value, so the ratio was always
// 1 and the bands never actually widened (spec.md §9's "latent bug"). This
// implementation recomputes the baseline as the mean ATR over the trailing
// window on every call, so ratio != 1 once volatility actually shifts.
func dynamicBands(atr []float64, cfg Config) (oversoldUpper, overboughtLower float64) {
	n := len(atr)
	window := cfg.DynamicBandsBaseWindow
	if window <= 0 || window >= n {
		return cfg.OversoldUpper, cfg.OverboughtLower
	}
	start := n - window
	sum, count := 0.0, 0
	for i := start; i < n-1; i++ { // exclude the current bar from its own baseline
		if atr[i] == atr[i] { // skip NaN
			sum += atr[i]
			count++
		}
	}
	if count == 0 {
		return cfg.OversoldUpper, cfg.OverboughtLower
	}
	baseline := sum / float64(count)
	current := atr[n-1]
	if baseline == 0 {
		return cfg.OversoldUpper, cfg.OverboughtLower
	}
	ratio := current / baseline
	delta := cfg.DynamicBandsSensitivity * (ratio - 1) * 10

	oversoldUpper = clamp(cfg.OversoldUpper+delta, 10, 30)
	overboughtLower = clamp(cfg.OverboughtLower-delta, 70, 90)
	return oversoldUpper, overboughtLower
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func closes2Volume(candles []types.Candle, idx int) float64 {
	f, _ := candles[idx].V.Float64()
	return f
}
