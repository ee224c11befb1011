// Package levels implements LevelDetector (spec.md §4.5): fractal/pivot
// detection of horizontal support/resistance levels from closed candles,
// strength scoring, deduplication and an approach-slope filter. Pivot
// windows are computed with github.com/markcheno/go-talib's rolling
// max/min, generalizing the teacher's indicator-wrapper pattern
// (internal/trading/market_data/timeframe/indicators.go) from oscillator
// indicators to pivot detection.
package levels

import (
	"math"
	"sort"

	talib "github.com/markcheno/go-talib"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// Config mirrors preset.LevelsRules.
type Config struct {
	PivotLookback       int
	MergeRadiusBps      float64
	RoundNumberTolBps   float64
	RoundStepCandidates []float64
	CascadeMinLevels    int
	CascadeRadiusBps    float64
	MaxApproachSlopePct float64
	ApproachLookback    int
	TouchTolBps         float64
	AgeBonusCapBars     int
}

// Detector builds horizontal levels from a closed-candle series for one
// symbol.
type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) *Detector {
	if cfg.TouchTolBps <= 0 {
		cfg.TouchTolBps = 5
	}
	if cfg.AgeBonusCapBars <= 0 {
		cfg.AgeBonusCapBars = 200
	}
	return &Detector{cfg: cfg}
}

// Detect returns the deduplicated, scored levels implied by candles (oldest
// first, closed candles only per spec.md §3).
func (d *Detector) Detect(symbol string, candles []types.Candle) []types.Level {
	n := len(candles)
	if n < 2*d.cfg.PivotLookback+1 {
		return nil
	}

	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, c := range candles {
		highs[i], _ = c.High.Float64()
		lows[i], _ = c.Low.Float64()
		closes[i], _ = c.Close.Float64()
	}

	lookback := d.cfg.PivotLookback
	rollingMaxHigh := talib.Max(highs, 2*lookback+1)
	rollingMinLow := talib.Min(lows, 2*lookback+1)

	var rawLevels []types.Level
	for i := lookback; i < n-lookback; i++ {
		centerIdx := i + lookback // talib.Max/Min are right-aligned: window [i-L, i+L] centred on i maps to output index i+L
		if centerIdx >= n {
			continue
		}
		if highs[i] == rollingMaxHigh[centerIdx] {
			rawLevels = append(rawLevels, d.buildLevel(symbol, candles, i, types.LevelResistance))
		}
		if lows[i] == rollingMinLow[centerIdx] {
			rawLevels = append(rawLevels, d.buildLevel(symbol, candles, i, types.LevelSupport))
		}
	}

	d.scoreTouches(rawLevels, closes, candles)
	d.applyCascadeBonus(rawLevels)
	merged := d.dedup(rawLevels)
	d.applyApproachFilter(merged, candles)

	sort.Slice(merged, func(i, j int) bool { return merged[i].Price.LessThan(merged[j].Price) })
	return merged
}

func (d *Detector) buildLevel(symbol string, candles []types.Candle, idx int, side types.LevelSide) types.Level {
	price := candles[idx].High
	if side == types.LevelSupport {
		price = candles[idx].Low
	}
	lvl := types.Level{
		Symbol:    symbol,
		Price:     price,
		Side:      side,
		AgeBars:   len(candles) - 1 - idx,
		CreatedAt: candles[idx].OpenTime,
	}
	lvl.RoundNumber = d.isRoundNumber(price)
	return lvl
}

func (d *Detector) isRoundNumber(price types.Decimal) bool {
	f, _ := price.Float64()
	tol := f * d.cfg.RoundNumberTolBps / 10000.0
	for _, step := range d.cfg.RoundStepCandidates {
		if step <= 0 {
			continue
		}
		nearest := math.Round(f/step) * step
		if math.Abs(f-nearest) <= tol {
			return true
		}
	}
	return false
}

// scoreTouches counts how many closes in the whole series (before and after
// the pivot bar) touch each level within TouchTolBps, then sets Strength from touch count + age + round-number
// bonus (cascade bonus is applied separately once all levels are known).
func (d *Detector) scoreTouches(lvls []types.Level, closes []float64, candles []types.Candle) {
	for i := range lvls {
		price, _ := lvls[i].Price.Float64()
		tol := price * d.cfg.TouchTolBps / 10000.0
		touches := 0
		for _, c := range closes {
			if math.Abs(c-price) <= tol {
				touches++
			}
		}
		lvls[i].TouchCount = touches

		touchScore := math.Min(float64(touches)/10.0, 1.0) * 0.6
		ageScore := math.Min(float64(lvls[i].AgeBars)/float64(d.cfg.AgeBonusCapBars), 1.0) * 0.2
		roundBonus := 0.0
		if lvls[i].RoundNumber {
			roundBonus = 0.10 // midpoint of the 5-15% band (spec.md §4.5)
		}
		strength := touchScore + ageScore + roundBonus
		if strength > 1 {
			strength = 1
		}
		lvls[i].Strength = strength
	}
}

// applyCascadeBonus flags and boosts levels whose cluster within
// CascadeRadiusBps holds at least CascadeMinLevels levels, the level itself
// included (spec.md §4.5).
func (d *Detector) applyCascadeBonus(lvls []types.Level) {
	for i := range lvls {
		count := 1
		pi, _ := lvls[i].Price.Float64()
		for j := range lvls {
			if i == j {
				continue
			}
			pj, _ := lvls[j].Price.Float64()
			if math.Abs(pi-pj)/pi*10000 <= d.cfg.CascadeRadiusBps {
				count++
			}
		}
		if count >= d.cfg.CascadeMinLevels {
			lvls[i].Cascade = true
			lvls[i].Strength = math.Min(lvls[i].Strength*1.25, 1.0)
		}
	}
}

// dedup collapses levels within MergeRadiusBps of each other into the
// stronger one; ties prefer the older level (spec.md §4.5).
func (d *Detector) dedup(lvls []types.Level) []types.Level {
	sort.Slice(lvls, func(i, j int) bool { return lvls[i].Price.LessThan(lvls[j].Price) })

	var out []types.Level
	for _, lvl := range lvls {
		merged := false
		for i := range out {
			if out[i].Side != lvl.Side {
				continue
			}
			oi, _ := out[i].Price.Float64()
			pi, _ := lvl.Price.Float64()
			if oi == 0 {
				continue
			}
			if math.Abs(oi-pi)/oi*10000 <= d.cfg.MergeRadiusBps {
				out[i] = strongerOf(out[i], lvl)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, lvl)
		}
	}
	return out
}

func strongerOf(a, b types.Level) types.Level {
	if b.Strength > a.Strength {
		return b
	}
	if b.Strength == a.Strength && b.CreatedAt < a.CreatedAt {
		return b // tie-break: older wins
	}
	return a
}

// applyApproachFilter flags a level whose most recent approach is
// "vertical" (slope over ApproachLookback bars exceeds
// MaxApproachSlopePct/bar). Such levels are excluded from retest signals by
// SignalGenerator until the slope flattens on a later scan (spec.md §4.5).
func (d *Detector) applyApproachFilter(lvls []types.Level, candles []types.Candle) {
	n := len(candles)
	if n < d.cfg.ApproachLookback+1 {
		return
	}
	recent := candles[n-d.cfg.ApproachLookback:]
	startClose, _ := recent[0].Close.Float64()
	endClose, _ := recent[len(recent)-1].Close.Float64()
	if startClose == 0 {
		return
	}
	slopePerBar := math.Abs(endClose-startClose) / startClose * 100.0 / float64(len(recent))

	for i := range lvls {
		lvls[i].VerticalFlag = slopePerBar >= d.cfg.MaxApproachSlopePct
	}
}
