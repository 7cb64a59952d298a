// Package numfmt quantizes prices and quantities to per-instrument tick sizes
// with direction-aware rounding. Everything in here is arbitrary-precision
// decimal; binary floats never enter the formatting path.
package numfmt

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction selects the rounding direction when quantizing to a tick.
type Direction int

const (
	RoundDown Direction = iota
	RoundUp
)

func (d Direction) String() string {
	if d == RoundUp {
		return "ROUND_UP"
	}
	return "ROUND_DOWN"
}

// ErrQuantityBelowMin is returned when a quantized quantity falls below the
// instrument minimum.
var ErrQuantityBelowMin = errors.New("quantity below minimum")

// divPrecision is generous enough that floor/ceil of the quotient is exact
// for any realistic tick size.
const divPrecision = 28

// NormalizePrice quantizes raw to a multiple of tick and renders it as a
// canonical decimal string with exactly decimals digits: trailing zeros
// preserved, no scientific notation, no separators. A price already on a tick
// multiple rounds to itself in either direction.
func NormalizePrice(raw, tick decimal.Decimal, decimals int32, dir Direction) (string, error) {
	q, err := quantize(raw, tick, dir)
	if err != nil {
		return "", fmt.Errorf("normalize price: %w", err)
	}
	return q.StringFixed(decimals), nil
}

// NormalizeQuantity quantizes raw down to a multiple of step and validates it
// against minQty. Quantities always round down: never buy or sell more than
// the notional allows.
func NormalizeQuantity(raw, step, minQty decimal.Decimal, decimals int32) (string, error) {
	q, err := quantize(raw, step, RoundDown)
	if err != nil {
		return "", fmt.Errorf("normalize quantity: %w", err)
	}
	if q.LessThan(minQty) {
		return "", fmt.Errorf("%w: %s < %s", ErrQuantityBelowMin, q.StringFixed(decimals), minQty.String())
	}
	return q.StringFixed(decimals), nil
}

func quantize(raw, tick decimal.Decimal, dir Direction) (decimal.Decimal, error) {
	if tick.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("tick must be positive, got %s", tick.String())
	}
	if raw.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("value must not be negative, got %s", raw.String())
	}

	steps := raw.DivRound(tick, divPrecision)
	if dir == RoundUp {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(tick), nil
}

// Comparator is a trigger-condition operator.
type Comparator string

const (
	CmpGTE Comparator = ">="
	CmpLTE Comparator = "<="
)

// TriggerCondition renders the canonical trigger-condition string the
// exchange expects, e.g. ">= 2984.41" for a TP on a long.
func TriggerCondition(cmp Comparator, price string) string {
	return fmt.Sprintf("%s %s", cmp, price)
}

// TriggerVariants returns the formatting variants tried in order when the
// exchange rejects a trigger condition with an invalid-price-format code.
// The canonical spaced form comes first.
func TriggerVariants(cmp Comparator, price string) []string {
	return []string{
		fmt.Sprintf("%s %s", cmp, price),
		fmt.Sprintf("%s%s", cmp, price),
	}
}

// EntryPriceDirection returns the price rounding direction for an entry
// limit order: BUY rounds down, SELL rounds up. The order never crosses the
// intended price.
func EntryPriceDirection(side string) Direction {
	if side == "SELL" {
		return RoundUp
	}
	return RoundDown
}

// TakeProfitDirection returns the price rounding for a take-profit closing a
// position opened on entrySide: round away from the fill so the target is
// never undershot. BUY-side close (long TP) rounds up, SELL-side close
// rounds down.
func TakeProfitDirection(entrySide string) Direction {
	if entrySide == "SELL" {
		return RoundDown
	}
	return RoundUp
}

// StopLossDirection returns the price rounding for a stop-loss closing a
// position opened on entrySide: BUY-side close rounds down, SELL-side close
// rounds up.
func StopLossDirection(entrySide string) Direction {
	if entrySide == "SELL" {
		return RoundUp
	}
	return RoundDown
}
