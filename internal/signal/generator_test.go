package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/equityfunk/internal/broker"
)

func barsFrom(closes ...float64) []broker.Bar {
	start := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	bars := make([]broker.Bar, len(closes))
	for i, c := range closes {
		bars[i] = broker.Bar{Symbol: "AAPL", Time: start.Add(time.Duration(i) * time.Minute), Close: c}
	}
	return bars
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSMACrossover(t *testing.T) {
	strategy := Strategy{Name: StrategySMACrossover, Params: map[string]interface{}{"short_window": 2, "long_window": 5.0}}

	tests := []struct {
		name   string
		closes []float64
		want   Signal
	}{
		{"too short", []float64{10, 10, 10, 10, 20}, Hold},
		{"flat", repeat(10, 8), Hold},
		{"golden cross", append(repeat(10, 6), 20), Buy},
		{"death cross", append(repeat(10, 6), 5), Sell},
		{"already above", append(repeat(10, 6), 20, 21), Hold},
	}

	g := NewIndicatorGenerator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Generate(barsFrom(tt.closes...), strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRSI(t *testing.T) {
	strategy := Strategy{Name: StrategyRSI, Params: map[string]interface{}{"period": 14}}

	rising := make([]float64, 30)
	falling := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + float64(i)
		falling[i] = 100 - float64(i)
	}

	tests := []struct {
		name   string
		closes []float64
		want   Signal
	}{
		{"too short", rising[:10], Hold},
		{"overbought", rising, Sell},
		{"oversold", falling, Buy},
	}

	g := NewIndicatorGenerator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Generate(barsFrom(tt.closes...), strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		wantErr  bool
	}{
		{"sma defaults", Strategy{Name: StrategySMACrossover}, false},
		{"sma inverted windows", Strategy{Name: StrategySMACrossover, Params: map[string]interface{}{"short_window": 30, "long_window": 10}}, true},
		{"rsi defaults", Strategy{Name: StrategyRSI}, false},
		{"rsi bad thresholds", Strategy{Name: StrategyRSI, Params: map[string]interface{}{"oversold": 80.0, "overbought": 20.0}}, true},
		{"rsi short period", Strategy{Name: StrategyRSI, Params: map[string]interface{}{"period": 1}}, true},
		{"unknown", Strategy{Name: "moon_phase"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.strategy)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGenerateUnknownStrategy(t *testing.T) {
	got, err := NewIndicatorGenerator().Generate(barsFrom(1, 2, 3), Strategy{Name: "nope"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	assert.Equal(t, Hold, got)
}
