package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/strategy"
)

func f(v float64) *float64 { return &v }

func conservativeRules() strategy.Rules {
	return strategy.Rules{
		RSIBuyBelow:            30,
		RSISellAbove:           70,
		RequirePriceAboveMA200: true,
		RequireEMA10AboveMA50:  true,
		VolumeMinRatio:         1.0,
		ATRMultSL:              1.5,
		RiskReward:             1.5,
	}
}

func buySnapshot() *db.MarketSnapshot {
	return &db.MarketSnapshot{
		Symbol:    "BTC_USDT",
		Price:     "50000",
		RSI:       f(28),
		EMA10:     f(49800),
		MA50:      f(48000),
		MA200:     f(45000),
		MA10W:     f(47000),
		ATR:       f(1000),
		Volume:    f(1200),
		AvgVolume: f(1000),
	}
}

func TestEvaluateBuy(t *testing.T) {
	entry := &db.WatchlistEntry{Symbol: "BTC_USDT"}

	sig := Evaluate(entry, buySnapshot(), nil, conservativeRules())

	assert.Equal(t, SideBuy, sig.Side)
	assert.Contains(t, sig.Reasons[0], "RSI_BELOW_BUY_THRESHOLD")
	assert.Contains(t, sig.Reasons, "PRICE_ABOVE_MA200")
	assert.Contains(t, sig.Reasons, "EMA10_ABOVE_MA50")
	assert.False(t, sig.ComputedAt.IsZero())
}

func TestEvaluateBuyBlockedByEachRule(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*db.MarketSnapshot)
		reason string
	}{
		{"rsi not oversold", func(s *db.MarketSnapshot) { s.RSI = f(45) }, "RSI_NOT_OVERSOLD"},
		{"price below ma200", func(s *db.MarketSnapshot) { s.MA200 = f(60000) }, "PRICE_BELOW_MA200"},
		{"ema10 below ma50", func(s *db.MarketSnapshot) { s.EMA10 = f(47000) }, "EMA10_BELOW_MA50"},
		{"volume too thin", func(s *db.MarketSnapshot) { s.Volume = f(500) }, "VOLUME_BELOW_RATIO"},
	}

	entry := &db.WatchlistEntry{Symbol: "BTC_USDT"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := buySnapshot()
			tt.mutate(snap)
			sig := Evaluate(entry, snap, nil, conservativeRules())
			assert.Equal(t, SideWait, sig.Side)
			found := false
			for _, r := range sig.Reasons {
				if len(r) >= len(tt.reason) && r[:len(tt.reason)] == tt.reason {
					found = true
				}
			}
			assert.True(t, found, "expected reason %q in %v", tt.reason, sig.Reasons)
		})
	}
}

func TestEvaluateSell(t *testing.T) {
	rules := strategy.Rules{
		RSIBuyBelow:       30,
		RSISellAbove:      70,
		RequireMAReversal: true,
		VolumeMinRatio:    1.0,
		FixedSLPct:        2,
		FixedTPPct:        4,
	}
	snap := &db.MarketSnapshot{
		Symbol:    "ETH_USDT",
		Price:     "3000",
		RSI:       f(75),
		EMA10:     f(3100),
		MA50:      f(3000), // EMA10 3.3% above MA50, reversal confirmed
		MA10W:     f(2900),
		Volume:    f(2000),
		AvgVolume: f(1500),
	}

	sig := Evaluate(&db.WatchlistEntry{Symbol: "ETH_USDT"}, snap, nil, rules)

	assert.Equal(t, SideSell, sig.Side)
	assert.Contains(t, sig.Reasons, "MA_REVERSAL_CONFIRMED")
}

func TestEvaluateSellReversalViaMA10W(t *testing.T) {
	rules := strategy.Rules{
		RSIBuyBelow:       30,
		RSISellAbove:      70,
		RequireMAReversal: true,
		FixedSLPct:        2,
		FixedTPPct:        4,
	}
	snap := &db.MarketSnapshot{
		Symbol: "ETH_USDT",
		Price:  "2800",
		RSI:    f(75),
		EMA10:  f(3000),
		MA50:   f(3000), // no spread, but price is under the ten week average
		MA10W:  f(2900),
	}

	sig := Evaluate(&db.WatchlistEntry{Symbol: "ETH_USDT"}, snap, nil, rules)
	assert.Equal(t, SideSell, sig.Side)
}

func TestManualOverrideSupersedesRules(t *testing.T) {
	// overbought snapshot, but the manual buy flag wins
	snap := buySnapshot()
	snap.RSI = f(90)

	sig := Evaluate(&db.WatchlistEntry{Symbol: "BTC_USDT", SignalBuy: true}, snap, nil, conservativeRules())
	assert.Equal(t, SideBuy, sig.Side)
	assert.Equal(t, []string{"MANUAL_OVERRIDE_BUY"}, sig.Reasons)

	sig = Evaluate(&db.WatchlistEntry{Symbol: "BTC_USDT", SignalSell: true}, snap, nil, conservativeRules())
	assert.Equal(t, SideSell, sig.Side)
	assert.Equal(t, []string{"MANUAL_OVERRIDE_SELL"}, sig.Reasons)
}

func TestMissingIndicatorNeverPasses(t *testing.T) {
	entry := &db.WatchlistEntry{Symbol: "BTC_USDT"}

	snap := buySnapshot()
	snap.RSI = nil
	sig := Evaluate(entry, snap, nil, conservativeRules())
	assert.Equal(t, SideWait, sig.Side)
	assert.Contains(t, sig.Reasons, "MISSING_INDICATOR_RSI")

	snap = buySnapshot()
	snap.MA200 = nil
	sig = Evaluate(entry, snap, nil, conservativeRules())
	assert.Equal(t, SideWait, sig.Side)
	assert.Contains(t, sig.Reasons, "MISSING_INDICATOR_MA200")

	snap = buySnapshot()
	snap.AvgVolume = nil
	sig = Evaluate(entry, snap, nil, conservativeRules())
	assert.Equal(t, SideWait, sig.Side)
	assert.Contains(t, sig.Reasons, "MISSING_INDICATOR_VOLUME")
}

func TestRSICrossUp(t *testing.T) {
	rules := conservativeRules()
	rules.RequireRSICrossUp = true
	rules.RSICrossUpFloor = 30
	rules.LookbackCandles = 3
	entry := &db.WatchlistEntry{Symbol: "BTC_USDT"}

	snap := buySnapshot()
	snap.RSI = f(29.5)

	// crossed the floor two candles ago
	sig := Evaluate(entry, snap, []float64{25, 27, 28, 31, 29.5}, rules)
	// final RSI is below the buy threshold and the cross-up happened in window
	assert.Equal(t, SideBuy, sig.Side)
	assert.Contains(t, sig.Reasons, "RSI_CROSS_UP_CONFIRMED")

	// never crossed within the lookback
	sig = Evaluate(entry, snap, []float64{25, 26, 27, 28, 29.5}, rules)
	assert.Equal(t, SideWait, sig.Side)
	assert.Contains(t, sig.Reasons, "RSI_CROSS_UP_ABSENT")

	// series too short to decide
	sig = Evaluate(entry, snap, []float64{29.5}, rules)
	assert.Equal(t, SideWait, sig.Side)
	assert.Contains(t, sig.Reasons, "MISSING_INDICATOR_RSI_SERIES")
}
