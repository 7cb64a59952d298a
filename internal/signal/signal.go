// Package signal evaluates strategy rules against a market snapshot and
// produces a BUY, SELL, or WAIT signal with the ordered rule outcomes that
// led to it.
package signal

import (
	"fmt"
	"strconv"
	"time"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/strategy"
)

// Side is the direction of a signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideWait Side = "WAIT"
)

// Signal is the outcome of one evaluation. Derived, never stored directly;
// the caller persists the decision as part of an alert record.
type Signal struct {
	Side       Side
	Reasons    []string
	ComputedAt time.Time
}

// maReversalMinPct is the minimum EMA10-over-MA50 spread treated as a
// reversal for SELL confirmation.
const maReversalMinPct = 0.5

// Evaluate derives a signal for one watchlist entry. Manual override flags on
// the entry supersede rule evaluation entirely. Missing indicators that a
// rule needs produce WAIT with MISSING_INDICATOR reasons; they never default
// to a pass.
func Evaluate(entry *db.WatchlistEntry, snap *db.MarketSnapshot, rsiSeries []float64, rules strategy.Rules) Signal {
	now := time.Now().UTC()

	if entry.SignalBuy {
		return Signal{Side: SideBuy, Reasons: []string{"MANUAL_OVERRIDE_BUY"}, ComputedAt: now}
	}
	if entry.SignalSell {
		return Signal{Side: SideSell, Reasons: []string{"MANUAL_OVERRIDE_SELL"}, ComputedAt: now}
	}

	price, err := strconv.ParseFloat(snap.Price, 64)
	if err != nil {
		return Signal{Side: SideWait, Reasons: []string{"MISSING_INDICATOR_PRICE"}, ComputedAt: now}
	}

	if buy := evaluateBuy(price, snap, rsiSeries, rules); buy.Side == SideBuy {
		buy.ComputedAt = now
		return buy
	} else if sell := evaluateSell(price, snap, rules); sell.Side == SideSell {
		sell.ComputedAt = now
		return sell
	} else {
		// WAIT carries the buy-side outcomes followed by the sell-side ones
		reasons := append(buy.Reasons, sell.Reasons...)
		return Signal{Side: SideWait, Reasons: reasons, ComputedAt: now}
	}
}

func evaluateBuy(price float64, snap *db.MarketSnapshot, rsiSeries []float64, rules strategy.Rules) Signal {
	var reasons []string
	pass := true

	if snap.RSI == nil {
		return Signal{Side: SideWait, Reasons: []string{"MISSING_INDICATOR_RSI"}}
	}
	if *snap.RSI < rules.RSIBuyBelow {
		reasons = append(reasons, fmt.Sprintf("RSI_BELOW_BUY_THRESHOLD %.2f<%.2f", *snap.RSI, rules.RSIBuyBelow))
	} else {
		reasons = append(reasons, fmt.Sprintf("RSI_NOT_OVERSOLD %.2f", *snap.RSI))
		pass = false
	}

	if rules.RequirePriceAboveMA200 {
		if snap.MA200 == nil {
			return Signal{Side: SideWait, Reasons: append(reasons, "MISSING_INDICATOR_MA200")}
		}
		if price > *snap.MA200 {
			reasons = append(reasons, "PRICE_ABOVE_MA200")
		} else {
			reasons = append(reasons, "PRICE_BELOW_MA200")
			pass = false
		}
	}

	if rules.RequireEMA10AboveMA50 {
		if snap.EMA10 == nil || snap.MA50 == nil {
			return Signal{Side: SideWait, Reasons: append(reasons, "MISSING_INDICATOR_EMA10_MA50")}
		}
		if *snap.EMA10 > *snap.MA50 {
			reasons = append(reasons, "EMA10_ABOVE_MA50")
		} else {
			reasons = append(reasons, "EMA10_BELOW_MA50")
			pass = false
		}
	}

	if rules.VolumeMinRatio > 0 {
		ratio := snap.VolumeRatio()
		if ratio == nil {
			return Signal{Side: SideWait, Reasons: append(reasons, "MISSING_INDICATOR_VOLUME")}
		}
		if *ratio >= rules.VolumeMinRatio {
			reasons = append(reasons, fmt.Sprintf("VOLUME_CONFIRMED %.2f", *ratio))
		} else {
			reasons = append(reasons, fmt.Sprintf("VOLUME_BELOW_RATIO %.2f<%.2f", *ratio, rules.VolumeMinRatio))
			pass = false
		}
	}

	if rules.RequireRSICrossUp {
		crossed, known := rsiCrossedUp(rsiSeries, rules.RSICrossUpFloor, rules.LookbackCandles)
		if !known {
			return Signal{Side: SideWait, Reasons: append(reasons, "MISSING_INDICATOR_RSI_SERIES")}
		}
		if crossed {
			reasons = append(reasons, "RSI_CROSS_UP_CONFIRMED")
		} else {
			reasons = append(reasons, "RSI_CROSS_UP_ABSENT")
			pass = false
		}
	}

	if pass {
		return Signal{Side: SideBuy, Reasons: reasons}
	}
	return Signal{Side: SideWait, Reasons: reasons}
}

func evaluateSell(price float64, snap *db.MarketSnapshot, rules strategy.Rules) Signal {
	var reasons []string
	pass := true

	if snap.RSI == nil {
		return Signal{Side: SideWait, Reasons: []string{"MISSING_INDICATOR_RSI"}}
	}
	if *snap.RSI > rules.RSISellAbove {
		reasons = append(reasons, fmt.Sprintf("RSI_ABOVE_SELL_THRESHOLD %.2f>%.2f", *snap.RSI, rules.RSISellAbove))
	} else {
		reasons = append(reasons, fmt.Sprintf("RSI_NOT_OVERBOUGHT %.2f", *snap.RSI))
		pass = false
	}

	if rules.RequireMAReversal {
		if snap.EMA10 == nil || snap.MA50 == nil || snap.MA10W == nil {
			return Signal{Side: SideWait, Reasons: append(reasons, "MISSING_INDICATOR_MA_REVERSAL")}
		}
		spreadPct := (*snap.EMA10 - *snap.MA50) / *snap.MA50 * 100
		if spreadPct >= maReversalMinPct || price < *snap.MA10W {
			reasons = append(reasons, "MA_REVERSAL_CONFIRMED")
		} else {
			reasons = append(reasons, "MA_REVERSAL_ABSENT")
			pass = false
		}
	}

	if rules.VolumeMinRatio > 0 {
		ratio := snap.VolumeRatio()
		if ratio == nil {
			return Signal{Side: SideWait, Reasons: append(reasons, "MISSING_INDICATOR_VOLUME")}
		}
		if *ratio >= rules.VolumeMinRatio {
			reasons = append(reasons, fmt.Sprintf("VOLUME_CONFIRMED %.2f", *ratio))
		} else {
			reasons = append(reasons, fmt.Sprintf("VOLUME_BELOW_RATIO %.2f<%.2f", *ratio, rules.VolumeMinRatio))
			pass = false
		}
	}

	if pass {
		return Signal{Side: SideSell, Reasons: reasons}
	}
	return Signal{Side: SideWait, Reasons: reasons}
}

// rsiCrossedUp reports whether RSI re-entered above floor within the last
// lookback transitions. The second return is false when the series is too
// short to decide.
func rsiCrossedUp(series []float64, floor float64, lookback int) (crossed, known bool) {
	if len(series) < 2 || lookback <= 0 {
		return false, false
	}
	start := len(series) - lookback - 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(series)-1; i++ {
		if series[i] < floor && series[i+1] >= floor {
			return true, true
		}
	}
	return false, true
}
