// Package strategy loads and serves the trading rules document. Rules are
// keyed by "preset/risk_mode"; every consumer reads through the same Store
// so one document is the single source of truth.
package strategy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules are the parameters of one (preset, risk_mode) combination.
type Rules struct {
	RSIBuyBelow  float64 `yaml:"rsi_buy_below"`
	RSISellAbove float64 `yaml:"rsi_sell_above"`

	// MA requirements for BUY entries.
	RequirePriceAboveMA200 bool `yaml:"require_price_above_ma200"`
	RequireEMA10AboveMA50  bool `yaml:"require_ema10_above_ma50"`

	// RSI cross-up confirmation: RSI must have re-entered above the floor
	// within the last LookbackCandles.
	RequireRSICrossUp bool    `yaml:"require_rsi_cross_up"`
	RSICrossUpFloor   float64 `yaml:"rsi_cross_up_floor"`
	LookbackCandles   int     `yaml:"lookback_candles"`

	// MA reversal confirmation for SELL entries.
	RequireMAReversal bool `yaml:"require_ma_reversal"`

	VolumeMinRatio    float64 `yaml:"volume_min_ratio"`
	MinPriceChangePct float64 `yaml:"min_price_change_pct"`
	CooldownMinutes   int     `yaml:"cooldown_minutes"`

	// Protection pricing. When ATRMultSL > 0, SL distance is ATRMultSL*ATR
	// and TP distance is RiskReward times that. Otherwise the fixed
	// percentages apply.
	ATRMultSL  float64 `yaml:"atr_mult_sl"`
	RiskReward float64 `yaml:"risk_reward"`
	FixedSLPct float64 `yaml:"fixed_sl_pct"`
	FixedTPPct float64 `yaml:"fixed_tp_pct"`
}

// document is the on-disk shape: strategies keyed by "preset/risk_mode".
type document struct {
	Strategies map[string]Rules `yaml:"strategies"`
}

// Store serves strategy rules by key. Immutable after Load.
type Store struct {
	rules map[string]Rules
}

// Load reads the rules document. Unknown YAML keys are rejected so a typo in
// a threshold name fails loudly instead of silently using a zero value.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open strategies file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse strategies file: %w", err)
	}
	if len(doc.Strategies) == 0 {
		return nil, fmt.Errorf("strategies file %s defines no strategies", path)
	}

	for key, r := range doc.Strategies {
		if err := validate(key, r); err != nil {
			return nil, err
		}
	}

	return &Store{rules: doc.Strategies}, nil
}

// Get returns the rules for a "preset/risk_mode" key.
func (s *Store) Get(key string) (Rules, error) {
	r, ok := s.rules[key]
	if !ok {
		return Rules{}, fmt.Errorf("unknown strategy: %s", key)
	}
	return r, nil
}

// Keys returns the configured strategy keys.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.rules))
	for k := range s.rules {
		keys = append(keys, k)
	}
	return keys
}

// Key builds the canonical "preset/risk_mode" lookup key.
func Key(preset, riskMode string) string {
	return preset + "/" + riskMode
}

func validate(key string, r Rules) error {
	var errs []string

	if !strings.Contains(key, "/") {
		errs = append(errs, "key must be preset/risk_mode")
	}
	if r.RSIBuyBelow <= 0 || r.RSIBuyBelow >= 100 {
		errs = append(errs, "rsi_buy_below must be in (0, 100)")
	}
	if r.RSISellAbove <= 0 || r.RSISellAbove >= 100 {
		errs = append(errs, "rsi_sell_above must be in (0, 100)")
	}
	if r.RSIBuyBelow >= r.RSISellAbove {
		errs = append(errs, "rsi_buy_below must be below rsi_sell_above")
	}
	if r.RequireRSICrossUp && r.LookbackCandles <= 0 {
		errs = append(errs, "lookback_candles must be positive when require_rsi_cross_up is set")
	}
	if r.VolumeMinRatio < 0 {
		errs = append(errs, "volume_min_ratio must not be negative")
	}
	if r.MinPriceChangePct < 0 {
		errs = append(errs, "min_price_change_pct must not be negative")
	}
	if r.CooldownMinutes < 0 {
		errs = append(errs, "cooldown_minutes must not be negative")
	}
	if r.ATRMultSL > 0 {
		if r.RiskReward <= 0 {
			errs = append(errs, "risk_reward must be positive when atr_mult_sl is set")
		}
	} else if r.FixedSLPct <= 0 || r.FixedTPPct <= 0 {
		errs = append(errs, "fixed_sl_pct and fixed_tp_pct must be positive when atr_mult_sl is unset")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid strategy %s: %s", key, strings.Join(errs, "; "))
	}
	return nil
}
