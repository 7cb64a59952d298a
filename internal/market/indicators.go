package market

import (
	"strconv"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/coinpilot/coinpilot/internal/exchange"
)

const (
	rsiPeriod    = 14
	ema10Period  = 10
	ma50Period   = 50
	ma200Period  = 200
	ma10wPeriod  = 70 // ten weeks of daily candles
	atrPeriod    = 14
	avgVolPeriod = 20
)

// indicatorSet holds the computed indicator values for one symbol.
type indicatorSet struct {
	rsi       *float64
	rsiSeries []float64
	ema10     *float64
	ma50      *float64
	ma200     *float64
	ma10w     *float64
	atr       *float64
	volume    *float64
	avgVolume *float64
}

// computeIndicators derives all indicator values from a candle series.
// Indicators whose period exceeds the available history come back nil; the
// decision layer treats missing values per its own rules.
func computeIndicators(candles []exchange.Candle) indicatorSet {
	closes := make([]float64, 0, len(candles))
	highs := make([]float64, 0, len(candles))
	lows := make([]float64, 0, len(candles))
	volumes := make([]float64, 0, len(candles))

	for _, c := range candles {
		cl, err1 := strconv.ParseFloat(c.Close, 64)
		h, err2 := strconv.ParseFloat(c.High, 64)
		l, err3 := strconv.ParseFloat(c.Low, 64)
		v, err4 := strconv.ParseFloat(c.Volume, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		closes = append(closes, cl)
		highs = append(highs, h)
		lows = append(lows, l)
		volumes = append(volumes, v)
	}

	var set indicatorSet

	set.rsiSeries = rsiSeries(closes, rsiPeriod)
	if len(set.rsiSeries) > 0 {
		set.rsi = ptr(set.rsiSeries[len(set.rsiSeries)-1])
	}
	set.ema10 = lastEMA(closes, ema10Period)
	set.ma50 = lastSMA(closes, ma50Period)
	set.ma200 = lastSMA(closes, ma200Period)
	set.ma10w = lastSMA(closes, ma10wPeriod)
	set.atr = lastATR(highs, lows, closes, atrPeriod)

	if len(volumes) > 0 {
		set.volume = ptr(volumes[len(volumes)-1])
	}
	set.avgVolume = lastSMA(volumes, avgVolPeriod)

	return set
}

func rsiSeries(prices []float64, period int) []float64 {
	if len(prices) <= period {
		return nil
	}
	out := collect(momentum.NewRsiWithPeriod[float64](period).Compute(toChan(prices)))
	return out
}

func lastEMA(prices []float64, period int) *float64 {
	if len(prices) < period {
		return nil
	}
	return lastOf(collect(trend.NewEmaWithPeriod[float64](period).Compute(toChan(prices))))
}

func lastSMA(prices []float64, period int) *float64 {
	if len(prices) < period {
		return nil
	}
	return lastOf(collect(trend.NewSmaWithPeriod[float64](period).Compute(toChan(prices))))
}

func lastATR(highs, lows, closes []float64, period int) *float64 {
	if len(closes) <= period {
		return nil
	}
	atr := volatility.NewAtrWithPeriod[float64](period)
	out := collect(atr.Compute(toChan(highs), toChan(lows), toChan(closes)))
	return lastOf(out)
}

func toChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func lastOf(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	return ptr(values[len(values)-1])
}

func ptr(v float64) *float64 { return &v }
