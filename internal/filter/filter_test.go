package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/abdoElHodaky/breakoutengine/internal/preset"
)

func TestMarketFilterPassAndFail(t *testing.T) {
	cfg := preset.Default().LiquidityFilters
	f := New(cfg, 0.6)

	good := f.Evaluate(Input{
		Symbol: "BTC-USD", Volume24hUSD: 10_000_000, DepthAtSpreadUSD: 100_000,
		SpreadBps: 5, Range24hPct: 0.01, ATRRatio: 1.0, BTCCorrelation: 0.2,
	})
	assert.True(t, good.Passed)
	assert.Empty(t, good.Reasons)

	bad := f.Evaluate(Input{
		Symbol: "LOW-USD", Volume24hUSD: 1000, DepthAtSpreadUSD: 10,
		SpreadBps: 100, Range24hPct: 0.5, ATRRatio: 0.1, BTCCorrelation: 0.9,
	})
	assert.False(t, bad.Passed)
	assert.Len(t, bad.Reasons, 6)
}
