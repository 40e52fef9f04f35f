// Package signal turns a series of price bars into trading signals
package signal

import (
	"errors"
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"

	"github.com/ajitpratap0/equityfunk/internal/broker"
)

// Signal is the generator's recommendation for the next cycle
type Signal string

const (
	Buy  Signal = "BUY"
	Sell Signal = "SELL"
	Hold Signal = "HOLD"
)

// Strategy names understood by IndicatorGenerator
const (
	StrategySMACrossover = "sma_crossover"
	StrategyRSI          = "rsi"
)

// ErrUnknownStrategy is returned for strategies the generator cannot run
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy selects an algorithm and its parameters
type Strategy struct {
	Name   string
	Params map[string]interface{}
}

// Generator computes a signal from bars in arrival order. Series too short
// for the strategy yield Hold.
type Generator interface {
	Generate(bars []broker.Bar, strategy Strategy) (Signal, error)
}

// IndicatorGenerator implements Generator with technical indicators
type IndicatorGenerator struct{}

// NewIndicatorGenerator creates the default generator
func NewIndicatorGenerator() *IndicatorGenerator {
	return &IndicatorGenerator{}
}

// Validate checks a strategy name and its parameters
func Validate(strategy Strategy) error {
	switch strategy.Name {
	case StrategySMACrossover:
		short, long := smaWindows(strategy.Params)
		if short < 1 || long <= short {
			return fmt.Errorf("sma_crossover needs 1 <= short_window < long_window, got %d and %d", short, long)
		}
	case StrategyRSI:
		period, oversold, overbought := rsiParams(strategy.Params)
		if period < 2 {
			return fmt.Errorf("rsi period must be at least 2, got %d", period)
		}
		if oversold <= 0 || overbought >= 100 || oversold >= overbought {
			return fmt.Errorf("rsi thresholds must satisfy 0 < oversold < overbought < 100")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy.Name)
	}
	return nil
}

// Generate dispatches on the strategy name
func (g *IndicatorGenerator) Generate(bars []broker.Bar, strategy Strategy) (Signal, error) {
	if err := Validate(strategy); err != nil {
		return Hold, err
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	switch strategy.Name {
	case StrategySMACrossover:
		short, long := smaWindows(strategy.Params)
		return smaCrossover(closes, short, long), nil
	default:
		period, oversold, overbought := rsiParams(strategy.Params)
		return rsiThreshold(closes, period, oversold, overbought), nil
	}
}

func smaWindows(params map[string]interface{}) (int, int) {
	return extractInt(params, "short_window", 10), extractInt(params, "long_window", 30)
}

func rsiParams(params map[string]interface{}) (int, float64, float64) {
	return extractInt(params, "period", 14),
		extractFloat(params, "oversold", 30),
		extractFloat(params, "overbought", 70)
}

// smaCrossover signals when the short average crosses the long one between
// the previous bar and the latest
func smaCrossover(closes []float64, short, long int) Signal {
	if len(closes) < long+1 {
		return Hold
	}

	shortValues := compute(trend.NewSmaWithPeriod[float64](short).Compute, closes)
	longValues := compute(trend.NewSmaWithPeriod[float64](long).Compute, closes)
	if len(shortValues) < 2 || len(longValues) < 2 {
		return Hold
	}

	prevShort, curShort := shortValues[len(shortValues)-2], shortValues[len(shortValues)-1]
	prevLong, curLong := longValues[len(longValues)-2], longValues[len(longValues)-1]

	switch {
	case prevShort <= prevLong && curShort > curLong:
		return Buy
	case prevShort >= prevLong && curShort < curLong:
		return Sell
	default:
		return Hold
	}
}

// rsiThreshold buys oversold and sells overbought markets
func rsiThreshold(closes []float64, period int, oversold, overbought float64) Signal {
	if len(closes) < period+1 {
		return Hold
	}

	values := compute(momentum.NewRsiWithPeriod[float64](period).Compute, closes)
	if len(values) == 0 {
		return Hold
	}

	current := values[len(values)-1]
	switch {
	case current < oversold:
		return Buy
	case current > overbought:
		return Sell
	default:
		return Hold
	}
}

// compute feeds values through a channel-based indicator and collects its output
func compute(indicator func(<-chan float64) <-chan float64, values []float64) []float64 {
	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	var out []float64
	for v := range indicator(in) {
		out = append(out, v)
	}
	return out
}
