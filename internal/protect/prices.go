package protect

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/numfmt"
	"github.com/coinpilot/coinpilot/internal/strategy"
)

// protectionPrices holds the normalized SL and TP prices plus the trigger
// comparators for the protection pair of one entry.
type protectionPrices struct {
	StopLoss   string
	TakeProfit string
	SLTrigger  numfmt.Comparator
	TPTrigger  numfmt.Comparator
}

// computePrices derives SL and TP from the fill price. The SL distance is
// ATRMultSL*ATR when both are available, otherwise the fixed percentages.
// The TP distance is the SL distance scaled by the risk:reward ratio. SELL
// entries (shorts) mirror both directions.
func computePrices(fillPrice string, entrySide db.OrderSide, rules strategy.Rules, atr *float64, inst *db.Instrument) (protectionPrices, error) {
	fill, err := decimal.NewFromString(fillPrice)
	if err != nil || fill.Sign() <= 0 {
		return protectionPrices{}, fmt.Errorf("invalid fill price %q", fillPrice)
	}
	priceTick, err := decimal.NewFromString(inst.PriceTick)
	if err != nil {
		return protectionPrices{}, fmt.Errorf("invalid price tick %q: %w", inst.PriceTick, err)
	}

	slDistance, tpDistance, err := distances(fill, rules, atr)
	if err != nil {
		return protectionPrices{}, err
	}

	var rawSL, rawTP decimal.Decimal
	var out protectionPrices
	if entrySide == db.OrderSideBuy {
		rawSL = fill.Sub(slDistance)
		rawTP = fill.Add(tpDistance)
		out.SLTrigger = numfmt.CmpLTE
		out.TPTrigger = numfmt.CmpGTE
	} else {
		rawSL = fill.Add(slDistance)
		rawTP = fill.Sub(tpDistance)
		out.SLTrigger = numfmt.CmpGTE
		out.TPTrigger = numfmt.CmpLTE
	}

	if rawSL.Sign() <= 0 || rawTP.Sign() <= 0 {
		return protectionPrices{}, fmt.Errorf("protection distance exceeds fill price %s", fill.String())
	}

	out.StopLoss, err = numfmt.NormalizePrice(rawSL, priceTick, inst.PriceDecimals,
		numfmt.StopLossDirection(string(entrySide)))
	if err != nil {
		return protectionPrices{}, err
	}
	out.TakeProfit, err = numfmt.NormalizePrice(rawTP, priceTick, inst.PriceDecimals,
		numfmt.TakeProfitDirection(string(entrySide)))
	if err != nil {
		return protectionPrices{}, err
	}

	return out, nil
}

func distances(fill decimal.Decimal, rules strategy.Rules, atr *float64) (sl, tp decimal.Decimal, err error) {
	if rules.ATRMultSL > 0 && atr != nil && *atr > 0 {
		sl = decimal.NewFromFloat(*atr).Mul(decimal.NewFromFloat(rules.ATRMultSL))
		tp = sl.Mul(decimal.NewFromFloat(rules.RiskReward))
		return sl, tp, nil
	}
	if rules.FixedSLPct > 0 && rules.FixedTPPct > 0 {
		hundred := decimal.NewFromInt(100)
		sl = fill.Mul(decimal.NewFromFloat(rules.FixedSLPct)).Div(hundred)
		tp = fill.Mul(decimal.NewFromFloat(rules.FixedTPPct)).Div(hundred)
		return sl, tp, nil
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("no usable protection pricing: atr missing and no fixed percentages")
}
