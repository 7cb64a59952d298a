package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
strategies:
  swing/conservative:
    rsi_buy_below: 30
    rsi_sell_above: 70
    require_price_above_ma200: true
    require_ema10_above_ma50: true
    volume_min_ratio: 1.0
    min_price_change_pct: 1.0
    cooldown_minutes: 5
    atr_mult_sl: 1.5
    risk_reward: 1.5
  scalp/aggressive:
    rsi_buy_below: 35
    rsi_sell_above: 65
    require_rsi_cross_up: true
    rsi_cross_up_floor: 30
    lookback_candles: 3
    require_ma_reversal: true
    volume_min_ratio: 1.2
    min_price_change_pct: 0.5
    cooldown_minutes: 2
    fixed_sl_pct: 2.0
    fixed_tp_pct: 4.0
`

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidDocument(t *testing.T) {
	store, err := Load(writeDoc(t, validDoc))
	require.NoError(t, err)
	assert.Len(t, store.Keys(), 2)

	r, err := store.Get(Key("swing", "conservative"))
	require.NoError(t, err)
	assert.Equal(t, 30.0, r.RSIBuyBelow)
	assert.Equal(t, 1.5, r.ATRMultSL)
	assert.True(t, r.RequirePriceAboveMA200)

	r, err = store.Get("scalp/aggressive")
	require.NoError(t, err)
	assert.True(t, r.RequireRSICrossUp)
	assert.Equal(t, 3, r.LookbackCandles)
	assert.Equal(t, 2.0, r.FixedSLPct)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	doc := `
strategies:
  swing/conservative:
    rsi_buy_below: 30
    rsi_sell_above: 70
    atr_mult_sl: 1.5
    risk_reward: 1.5
    rsi_bye_below: 25
`
	_, err := Load(writeDoc(t, doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rsi_bye_below")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "rsi bands inverted",
			doc: `
strategies:
  swing/conservative:
    rsi_buy_below: 70
    rsi_sell_above: 30
    fixed_sl_pct: 2.0
    fixed_tp_pct: 4.0
`,
			want: "rsi_buy_below must be below rsi_sell_above",
		},
		{
			name: "no protection pricing",
			doc: `
strategies:
  swing/conservative:
    rsi_buy_below: 30
    rsi_sell_above: 70
`,
			want: "fixed_sl_pct and fixed_tp_pct",
		},
		{
			name: "cross-up without lookback",
			doc: `
strategies:
  swing/conservative:
    rsi_buy_below: 30
    rsi_sell_above: 70
    require_rsi_cross_up: true
    fixed_sl_pct: 2.0
    fixed_tp_pct: 4.0
`,
			want: "lookback_candles",
		},
		{
			name: "key without risk mode",
			doc: `
strategies:
  swing:
    rsi_buy_below: 30
    rsi_sell_above: 70
    fixed_sl_pct: 2.0
    fixed_tp_pct: 4.0
`,
			want: "preset/risk_mode",
		},
		{
			name: "empty document",
			doc:  `strategies: {}`,
			want: "defines no strategies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeDoc(t, tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetUnknownStrategy(t *testing.T) {
	store, err := Load(writeDoc(t, validDoc))
	require.NoError(t, err)

	_, err = store.Get("day/reckless")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}
