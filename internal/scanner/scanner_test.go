package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/breakoutengine/internal/filter"
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
)

func baseFilterInput(symbol string) filter.Input {
	return filter.Input{
		Symbol: symbol, Volume24hUSD: 10_000_000, DepthAtSpreadUSD: 100_000,
		SpreadBps: 5, Range24hPct: 0.01, ATRRatio: 1.0, BTCCorrelation: 0.1,
	}
}

func TestScanTopKAndTieBreak(t *testing.T) {
	p := preset.Default()
	mf := filter.New(p.LiquidityFilters, p.Risk.BTCCorrelationCap)
	s := New(mf, p.Scanner, 4)

	candidates := []FeatureInput{
		{Symbol: "AAA", Filter: baseFilterInput("AAA"), VolSurge1h: 1, TradesPressure: 1, SpreadQualityRaw: 1, ATR15mPct: 1},
		{Symbol: "ZZZ", Filter: baseFilterInput("ZZZ"), VolSurge1h: 1, TradesPressure: 1, SpreadQualityRaw: 1, ATR15mPct: 1},
		{Symbol: "BBB", Filter: baseFilterInput("BBB"), VolSurge1h: 5, TradesPressure: 5, SpreadQualityRaw: 5, ATR15mPct: 5},
	}

	out, err := s.Scan(candidates)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "BBB", out[0].Symbol)
	// AAA and ZZZ tie on score; ascending symbol tie-break.
	assert.Equal(t, "AAA", out[1].Symbol)
	assert.Equal(t, "ZZZ", out[2].Symbol)
}

func TestScanDropsFilterFailures(t *testing.T) {
	p := preset.Default()
	mf := filter.New(p.LiquidityFilters, p.Risk.BTCCorrelationCap)
	s := New(mf, p.Scanner, 4)

	bad := baseFilterInput("LOW")
	bad.Volume24hUSD = 1

	out, err := s.Scan([]FeatureInput{{Symbol: "LOW", Filter: bad}})
	require.NoError(t, err)
	assert.Empty(t, out)
}
