package preset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPresetValidates(t *testing.T) {
	p := Default()
	assert.Nil(t, p.Validate())
}

func TestMarshalRoundTrip(t *testing.T) {
	p := Default()
	b1, err := p.Marshal()
	require.NoError(t, err)

	p2, xerr := Parse(b1)
	require.Nil(t, xerr)

	b2, err := p2.Marshal()
	require.NoError(t, err)

	assert.Equal(t, string(b1), string(b2))
}

func TestValidateRejectsNonIncreasingLadder(t *testing.T) {
	p := Default()
	p.PositionConfig.TPLevels[1].RewardMultiple = p.PositionConfig.TPLevels[0].RewardMultiple
	assert.NotNil(t, p.Validate())
}

func TestValidateRejectsOversizedLadder(t *testing.T) {
	p := Default()
	p.PositionConfig.TPLevels[2].SizePct = 0.9
	assert.NotNil(t, p.Validate())
}

func TestValidateRejectsLegacyMix(t *testing.T) {
	p := Default()
	v := 1.0
	p.PositionConfig.LegacyTP1R = &v
	assert.NotNil(t, p.Validate())
}

func TestValidateRejectsNoMomentumGate(t *testing.T) {
	p := Default()
	p.SignalConfig.EnterOnDensityEatRatio = 0
	p.SignalConfig.VolumeConfirmationMultiplier = 0
	assert.NotNil(t, p.Validate())
}
