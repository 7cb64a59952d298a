package gate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/strategy"
)

// ThrottleResult is the outcome of the alert-side throttle.
type ThrottleResult struct {
	Allowed bool
	// Reason is THROTTLED_MIN_TIME or THROTTLED_MIN_PRICE_CHANGE when blocked.
	Reason string
	// ForceConsumed marks that the force_next flag let this alert through.
	ForceConsumed bool
}

// EvalThrottle decides whether a non-WAIT signal may emit an alert. Pure
// function over the stored throttle state; the caller persists the state
// transition. A nil state means no prior emit and always allows.
//
// The cooldown boundary is inclusive: a delta exactly equal to the cooldown
// allows the alert.
func EvalThrottle(state *db.ThrottleState, price string, rules strategy.Rules, now time.Time) ThrottleResult {
	if state == nil {
		return ThrottleResult{Allowed: true}
	}
	if state.ForceNext {
		return ThrottleResult{Allowed: true, ForceConsumed: true}
	}

	cooldown := time.Duration(rules.CooldownMinutes) * time.Minute
	if cooldown > 0 && now.Sub(state.LastEmitTime) < cooldown {
		return ThrottleResult{Allowed: false, Reason: "THROTTLED_MIN_TIME"}
	}

	if rules.MinPriceChangePct > 0 {
		cur, err1 := decimal.NewFromString(price)
		last, err2 := decimal.NewFromString(state.LastEmitPrice)
		if err1 == nil && err2 == nil && !last.IsZero() {
			changePct := cur.Sub(last).Abs().Div(last).Mul(decimal.NewFromInt(100))
			if changePct.LessThan(decimal.NewFromFloat(rules.MinPriceChangePct)) {
				return ThrottleResult{Allowed: false, Reason: "THROTTLED_MIN_PRICE_CHANGE"}
			}
		}
	}

	return ThrottleResult{Allowed: true}
}
