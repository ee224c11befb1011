package engine

import (
	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/abdoElHodaky/breakoutengine/internal/filter"
	"github.com/abdoElHodaky/breakoutengine/internal/scanner"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

const btcSymbol = "BTC-USD"

// activityWindowS is the rolling window ActivityTracker and the feature
// assembler both use for trades-per-minute/second figures; kept as one
// constant so the two stay consistent.
const activityWindowS = 60

// refreshMicrostructure recomputes density and activity state for every
// subscribed symbol (spec.md §5 cycle ordering, stage 2).
func (e *Engine) refreshMicrostructure() {
	now := types.NowMillis()
	for symbol := range e.symbols {
		e.density.Scan(symbol, now)
		e.activityMetrics[symbol] = e.activity.Update(symbol, now)
	}
}

// rebuildLevels recomputes horizontal levels from each symbol's closed
// candle history (spec.md §5 stage 3, §4.5).
func (e *Engine) rebuildLevels() map[string][]types.Level {
	out := make(map[string][]types.Level, len(e.symbols))
	for symbol := range e.symbols {
		candles := e.candles[symbol]
		if len(candles) == 0 {
			continue
		}
		out[symbol] = e.levelDet.Detect(symbol, candles)
	}
	return out
}

// scanCandidates assembles per-symbol scanner.FeatureInput from rolling
// candle history and microstructure state, then runs Scanner.Scan (spec.md
// §5 stage 3, §4.7).
func (e *Engine) scanCandidates(levelsBySymbol map[string][]types.Level) []types.ScanCandidate {
	var inputs []scanner.FeatureInput
	for symbol := range e.symbols {
		candles := e.candles[symbol]
		if len(candles) < 20 {
			continue
		}
		inputs = append(inputs, e.buildFeatureInput(symbol, candles, levelsBySymbol[symbol]))
	}
	out, err := e.scan.Scan(inputs)
	if err != nil {
		e.logger.Warn("scan failed", zap.Error(err))
		return nil
	}
	return out
}

func (e *Engine) buildFeatureInput(symbol string, candles []types.Candle, levels []types.Level) scanner.FeatureInput {
	closes := closesOf(candles)
	highs := highsOf(candles)
	lows := lowsOf(candles)
	volumes := volumesOf(candles)

	last := candles[len(candles)-1]
	lastClose, _ := last.Close.Float64()

	atr := latestATR(highs, lows, closes)
	atrPct := 0.0
	if lastClose != 0 {
		atrPct = atr / lastClose * 100
	}

	volSurge := volSurgeRatio(volumes)
	volAvg := mean(volumes)
	confirmVol, _ := last.Volume.Float64()

	high24h, low24h := rangeOf(candles, 24)
	range24hPct := 0.0
	if lastClose != 0 {
		range24hPct = (high24h - low24h) / lastClose * 100
	}

	bids, asks := e.books.Top(symbol, e.cfg.TopBookDepth)
	depthUSD := depthNotional(bids) + depthNotional(asks)
	spreadBps := 0.0
	mid := e.books.Mid(symbol)
	if !mid.IsZero() {
		spreadF, _ := e.books.Spread(symbol).Float64()
		midF, _ := mid.Float64()
		if midF != 0 {
			spreadBps = spreadF / midF * 10000
		}
	}

	btcCorr := 0.0
	if symbol != btcSymbol {
		if btcCandles, ok := e.candles[btcSymbol]; ok {
			btcCorr = correlationOf(closes, closesOf(btcCandles))
		}
	}

	tradesPressure := e.trades.BuySellRatio(symbol, activityWindowS)
	metrics := e.activityMetrics[symbol]

	volume24hUSD := sumVolume(candles, 24) * lastClose
	spreadQuality := 0.0
	if spreadBps > 0 {
		spreadQuality = 1 / spreadBps
	}

	return scanner.FeatureInput{
		Symbol: symbol,
		Filter: filter.Input{
			Symbol: symbol, Volume24hUSD: volume24hUSD, DepthAtSpreadUSD: depthUSD,
			SpreadBps: spreadBps, Range24hPct: range24hPct, ATRRatio: atrPct / 100,
			BTCCorrelation: btcCorr,
		},
		VolSurge1h: volSurge, OIDelta24h: 0, ATR15mPct: atrPct,
		TradesPressure: tradesPressure, SpreadQualityRaw: spreadQuality,
		Levels: levels, Metrics: metrics,
	}
}

func closesOf(c []types.Candle) []float64 { return fieldOf(c, func(x types.Candle) types.Decimal { return x.Close }) }
func highsOf(c []types.Candle) []float64  { return fieldOf(c, func(x types.Candle) types.Decimal { return x.High }) }
func lowsOf(c []types.Candle) []float64   { return fieldOf(c, func(x types.Candle) types.Decimal { return x.Low }) }
func volumesOf(c []types.Candle) []float64 {
	return fieldOf(c, func(x types.Candle) types.Decimal { return x.Volume })
}

func fieldOf(c []types.Candle, f func(types.Candle) types.Decimal) []float64 {
	out := make([]float64, len(c))
	for i, x := range c {
		out[i], _ = f(x).Float64()
	}
	return out
}

// latestATR returns the most recent 14-period ATR (spec.md §4.7 atr_quality
// feature), computed with github.com/markcheno/go-talib.
func latestATR(highs, lows, closes []float64) float64 {
	if len(closes) < 15 {
		return 0
	}
	atr := talib.Atr(highs, lows, closes, 14)
	return atr[len(atr)-1]
}

func volSurgeRatio(volumes []float64) float64 {
	if len(volumes) < 2 {
		return 0
	}
	avg := mean(volumes[:len(volumes)-1])
	if avg == 0 {
		return 0
	}
	return volumes[len(volumes)-1] / avg
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func rangeOf(candles []types.Candle, bars int) (high, low float64) {
	if bars > len(candles) {
		bars = len(candles)
	}
	window := candles[len(candles)-bars:]
	high, low = 0, 0
	for i, c := range window {
		h, _ := c.High.Float64()
		l, _ := c.Low.Float64()
		if i == 0 || h > high {
			high = h
		}
		if i == 0 || l < low {
			low = l
		}
	}
	return
}

func sumVolume(candles []types.Candle, bars int) float64 {
	if bars > len(candles) {
		bars = len(candles)
	}
	window := candles[len(candles)-bars:]
	total := 0.0
	for _, c := range window {
		v, _ := c.Volume.Float64()
		total += v
	}
	return total
}

func depthNotional(levels []types.BookLevel) float64 {
	total := 0.0
	for _, l := range levels {
		p, _ := l.Price.Float64()
		s, _ := l.Size.Float64()
		total += p * s
	}
	return total
}

// correlationOf computes Pearson correlation of close-to-close returns
// between two candle series using gonum/stat, aligned on the shorter
// series' length.
func correlationOf(a, b []float64) float64 {
	ra := returnsOf(a)
	rb := returnsOf(b)
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n < 2 {
		return 0
	}
	ra, rb = ra[len(ra)-n:], rb[len(rb)-n:]
	return stat.Correlation(ra, rb, nil)
}

func returnsOf(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out[i-1] = 0
			continue
		}
		out[i-1] = (closes[i] - closes[i-1]) / closes[i-1]
	}
	return out
}
