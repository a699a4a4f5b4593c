package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParamsDerivesStableName(t *testing.T) {
	tests := []struct {
		name      string
		tp1       float64
		tp2       float64
		tp3       float64
		sl        float64
		trailing  *TrailingStop
		breakeven float64
		want      string
	}{
		{
			name: "simple tp and sl",
			tp1:  2, sl: -1,
			want: "tp2.0_sl1.0",
		},
		{
			name: "no stop sentinel",
			tp1:  3, sl: -NoStopLossMagnitude,
			want: "tp3.0_nostop",
		},
		{
			name: "ladder with breakeven",
			tp1:  2, tp2: 4, tp3: 6, sl: -1, breakeven: 1,
			want: "tp2.0_sl1.0_tp2-4.0_tp3-6.0_be1.0",
		},
		{
			name: "trailing stop",
			tp1:  5, sl: -2,
			trailing: &TrailingStop{ActivationPct: 3, DistancePct: 1.5},
			want:     "tp5.0_sl2.0_tr3.0-1.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewParams(tt.tp1, tt.tp2, tt.tp3, tt.sl, tt.trailing, tt.breakeven)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)

			// Same levels mean the same name on every construction.
			again := MustParams(tt.tp1, tt.tp2, tt.tp3, tt.sl, tt.trailing, tt.breakeven)
			assert.Equal(t, p.Name, again.Name)
		})
	}
}

func TestNewParamsRejectsInvalidConfigurations(t *testing.T) {
	tests := []struct {
		name      string
		tp1       float64
		tp2       float64
		tp3       float64
		sl        float64
		trailing  *TrailingStop
		breakeven float64
	}{
		{name: "zero tp1", tp1: 0, sl: -1},
		{name: "negative tp1", tp1: -2, sl: -1},
		{name: "positive sl", tp1: 2, sl: 1},
		{name: "zero sl", tp1: 2, sl: 0},
		{name: "sl magnitude at tp1", tp1: 2, sl: -2},
		{name: "sl magnitude above tp1", tp1: 2, sl: -3},
		{name: "tp2 below tp1", tp1: 3, tp2: 2, sl: -1},
		{name: "tp3 below tp2", tp1: 2, tp2: 4, tp3: 3, sl: -1},
		{name: "negative breakeven", tp1: 2, sl: -1, breakeven: -1},
		{name: "trailing distance above activation", tp1: 5, sl: -2, trailing: &TrailingStop{ActivationPct: 1, DistancePct: 2}},
		{name: "trailing zero distance", tp1: 5, sl: -2, trailing: &TrailingStop{ActivationPct: 1, DistancePct: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParams(tt.tp1, tt.tp2, tt.tp3, tt.sl, tt.trailing, tt.breakeven)
			require.Error(t, err)
		})
	}
}

func TestNoStopAllowsLargeMagnitude(t *testing.T) {
	// The sentinel magnitude dwarfs every TP level, so the sl-below-tp1 rule
	// must not apply to it.
	p := MustParams(1, 0, 0, -NoStopLossMagnitude, nil, 0)
	assert.True(t, p.IsNoStop())
	assert.Zero(t, p.RiskReward())
}

func TestRiskReward(t *testing.T) {
	assert.InDelta(t, 2.0, MustParams(2, 0, 0, -1, nil, 0).RiskReward(), 1e-9)
	assert.InDelta(t, 2.5, MustParams(5, 0, 0, -2, nil, 0).RiskReward(), 1e-9)
}

func TestIsPartialExit(t *testing.T) {
	assert.True(t, MustParams(2, 4, 0, -1, nil, 1).IsPartialExit())
	assert.False(t, MustParams(2, 4, 0, -1, nil, 0).IsPartialExit(), "no breakeven")
	assert.False(t, MustParams(2, 0, 0, -1, nil, 1).IsPartialExit(), "no tp2")
}

func TestTPCategoryBuckets(t *testing.T) {
	assert.Equal(t, CategorySmallTP, TPCategory(1))
	assert.Equal(t, CategorySmallTP, TPCategory(2))
	assert.Equal(t, CategoryMediumTP, TPCategory(2.5))
	assert.Equal(t, CategoryMediumTP, TPCategory(4))
	assert.Equal(t, CategoryLargeTP, TPCategory(5))
	assert.Equal(t, CategoryLargeTP, TPCategory(7))
	assert.Equal(t, CategoryVeryLargeTP, TPCategory(7.5))
	assert.Equal(t, CategoryVeryLargeTP, TPCategory(10))
}

func TestDirectionOpposite(t *testing.T) {
	assert.Equal(t, DirectionShort, DirectionLong.Opposite())
	assert.Equal(t, DirectionLong, DirectionShort.Opposite())
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("LONG")
	require.NoError(t, err)
	assert.Equal(t, DirectionLong, d)

	d, err = ParseDirection("SHORT")
	require.NoError(t, err)
	assert.Equal(t, DirectionShort, d)

	_, err = ParseDirection("sideways")
	require.Error(t, err)
}
