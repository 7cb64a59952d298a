package protect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/strategy"
)

type fakeStore struct {
	orders        []*db.Order
	statusUpdates map[string]db.OrderStatusUpdate
	notes         map[string]string
	protection    map[string][]*db.Order
	siblings      map[string]*db.Order
	byRole        map[db.OrderRole]*db.Order
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statusUpdates: make(map[string]db.OrderStatusUpdate),
		notes:         make(map[string]string),
		protection:    make(map[string][]*db.Order),
		siblings:      make(map[string]*db.Order),
		byRole:        make(map[db.OrderRole]*db.Order),
	}
}

func (f *fakeStore) InsertOrder(_ context.Context, o *db.Order) error {
	f.orders = append(f.orders, o)
	return nil
}

func (f *fakeStore) UpdateOrderStatus(_ context.Context, id string, u db.OrderStatusUpdate) error {
	f.statusUpdates[id] = u
	return nil
}

func (f *fakeStore) SetOrderNote(_ context.Context, id, note string) error {
	f.notes[id] = note
	return nil
}

func (f *fakeStore) GetProtectionOrders(_ context.Context, parent string) ([]*db.Order, error) {
	return f.protection[parent], nil
}

func (f *fakeStore) GetSiblingByOCOGroup(_ context.Context, group, exclude string) (*db.Order, error) {
	s := f.siblings[group]
	if s != nil && s.ExchangeOrderID == exclude {
		return nil, nil
	}
	return s, nil
}

func (f *fakeStore) FindProtectionByRole(_ context.Context, _ string, role db.OrderRole, _ time.Time) (*db.Order, error) {
	return f.byRole[role], nil
}

type fakeResolver struct{ inst *db.Instrument }

func (f *fakeResolver) ResolveInstrument(_ context.Context, _ string) (*db.Instrument, error) {
	return f.inst, nil
}

type fakeNotifier struct {
	sent   []string
	alerts []string
}

func (f *fakeNotifier) Send(_ context.Context, text, _ string) bool {
	f.sent = append(f.sent, text)
	return true
}

func (f *fakeNotifier) SendOperatorAlert(_ context.Context, key, _ string) bool {
	f.alerts = append(f.alerts, key)
	return true
}

func btcInstrument() *db.Instrument {
	return &db.Instrument{
		Symbol:        "BTC_USDT",
		PriceTick:     "0.01",
		QuantityTick:  "0.00001",
		MinQuantity:   "0.00001",
		PriceDecimals: 2,
	}
}

func atrRules() strategy.Rules {
	return strategy.Rules{ATRMultSL: 1.5, RiskReward: 1.5}
}

func filledEntry() *db.Order {
	return &db.Order{
		ExchangeOrderID: "E-1",
		Symbol:          "BTC_USDT",
		Side:            db.OrderSideBuy,
		Role:            db.OrderRoleEntry,
		Status:          db.OrderStatusFilled,
		Price:           "50000.00",
		Quantity:        "0.002",
		FilledQuantity:  "0.002",
	}
}

func newManager(store *fakeStore) (*Manager, *exchange.MockExchange, *fakeNotifier) {
	mock := exchange.NewMockExchange()
	notifier := &fakeNotifier{}
	m := NewManager(mock, store, &fakeResolver{inst: btcInstrument()}, notifier, config.TradingConfig{
		FillPollWindow:   100 * time.Millisecond,
		FillPollInterval: 10 * time.Millisecond,
	})
	return m, mock, notifier
}

func atrOf(v float64) *float64 { return &v }

func TestComputePricesLongATR(t *testing.T) {
	// fill 50,000, ATR 1,000, mult 1.5, RR 1.5: SL 48,500, TP 52,250
	p, err := computePrices("50000", db.OrderSideBuy, atrRules(), atrOf(1000), btcInstrument())
	require.NoError(t, err)
	assert.Equal(t, "48500.00", p.StopLoss)
	assert.Equal(t, "52250.00", p.TakeProfit)
	assert.Equal(t, "<= 48500.00", string(p.SLTrigger)+" "+p.StopLoss)
	assert.Equal(t, ">= 52250.00", string(p.TPTrigger)+" "+p.TakeProfit)
}

func TestComputePricesShortMirrors(t *testing.T) {
	p, err := computePrices("50000", db.OrderSideSell, atrRules(), atrOf(1000), btcInstrument())
	require.NoError(t, err)
	assert.Equal(t, "51500.00", p.StopLoss)   // above the fill for a short
	assert.Equal(t, "47750.00", p.TakeProfit) // below the fill for a short
}

func TestComputePricesFixedPercentFallback(t *testing.T) {
	rules := strategy.Rules{FixedSLPct: 2, FixedTPPct: 4}
	p, err := computePrices("50000", db.OrderSideBuy, rules, nil, btcInstrument())
	require.NoError(t, err)
	assert.Equal(t, "49000.00", p.StopLoss)
	assert.Equal(t, "52000.00", p.TakeProfit)
}

func TestComputePricesNoPricingFails(t *testing.T) {
	_, err := computePrices("50000", db.OrderSideBuy, strategy.Rules{ATRMultSL: 1.5, RiskReward: 1.5}, nil, btcInstrument())
	require.Error(t, err)
}

func TestPlacePairSuccess(t *testing.T) {
	store := newFakeStore()
	m, mock, notifier := newManager(store)

	err := m.PlacePair(context.Background(), filledEntry(), "50000", atrRules(), atrOf(1000))
	require.NoError(t, err)

	require.Len(t, store.orders, 2)
	sl, tp := store.orders[0], store.orders[1]

	assert.Equal(t, db.OrderRoleStopLoss, sl.Role)
	assert.Equal(t, db.OrderTypeStopLimit, sl.Type)
	assert.Equal(t, db.OrderSideSell, sl.Side)
	assert.Equal(t, "48500.00", sl.Price)

	assert.Equal(t, db.OrderRoleTakeProfit, tp.Role)
	assert.Equal(t, db.OrderTypeTakeProfitLimit, tp.Type)
	assert.Equal(t, "52250.00", tp.Price)

	require.NotNil(t, sl.OCOGroupID)
	require.NotNil(t, tp.OCOGroupID)
	assert.Equal(t, *sl.OCOGroupID, *tp.OCOGroupID, "both legs share the OCO group")
	require.NotNil(t, sl.ParentOrderID)
	assert.Equal(t, "E-1", *sl.ParentOrderID)

	require.Len(t, mock.CreateCalls, 2)
	assert.Equal(t, "<= 48500.00", mock.CreateCalls[0].TriggerCondition)
	assert.Equal(t, ">= 52250.00", mock.CreateCalls[1].TriggerCondition)
	assert.Len(t, notifier.sent, 1)
}

func TestPlacePairSkipsWhenLivePairExists(t *testing.T) {
	store := newFakeStore()
	store.protection["E-1"] = []*db.Order{
		{ExchangeOrderID: "SL-1", Status: db.OrderStatusActive},
		{ExchangeOrderID: "TP-1", Status: db.OrderStatusActive},
	}
	m, mock, _ := newManager(store)

	err := m.PlacePair(context.Background(), filledEntry(), "50000", atrRules(), atrOf(1000))
	require.NoError(t, err)
	assert.Empty(t, mock.CreateCalls, "no orders placed when a live pair exists")
}

func TestPlacePairReplacesTerminalPair(t *testing.T) {
	store := newFakeStore()
	store.protection["E-1"] = []*db.Order{
		{ExchangeOrderID: "SL-1", Status: db.OrderStatusCancelled},
		{ExchangeOrderID: "TP-1", Status: db.OrderStatusCancelled},
	}
	m, mock, _ := newManager(store)

	err := m.PlacePair(context.Background(), filledEntry(), "50000", atrRules(), atrOf(1000))
	require.NoError(t, err)
	assert.Len(t, mock.CreateCalls, 2)
}

func TestPlacePairRollsBackOnSecondLegFailure(t *testing.T) {
	store := newFakeStore()
	m, mock, _ := newManager(store)
	// first create (SL) succeeds, second (TP) fails
	mock.FailNext("create-order", nil)
	mock.FailNext("create-order", &exchange.APIError{Code: 306, Message: "insufficient balance"})

	err := m.PlacePair(context.Background(), filledEntry(), "50000", atrRules(), atrOf(1000))
	require.Error(t, err)

	require.Len(t, store.orders, 1, "only the SL was persisted")
	slID := store.orders[0].ExchangeOrderID
	assert.Equal(t, []string{slID}, mock.CancelCalls, "surviving leg was cancelled")
	assert.Equal(t, db.OrderStatusCancelled, store.statusUpdates[slID].Status)

	note := store.statusUpdates[slID].Note
	require.NotNil(t, note)
	assert.Contains(t, *note, "INSUFFICIENT_FUNDS", "rollback note names the failure class")
}

func TestPlacePairRetriesTransientLegFailure(t *testing.T) {
	store := newFakeStore()
	m, mock, _ := newManager(store)
	mock.FailNext("create-order", &exchange.APIError{Code: 503, Message: "service unavailable"})

	err := m.PlacePair(context.Background(), filledEntry(), "50000", atrRules(), atrOf(1000))
	require.NoError(t, err)

	require.Len(t, store.orders, 2, "pair placed despite the transient failure")
	assert.Len(t, mock.CreateCalls, 3, "failed SL attempt plus the retry and the TP")
	assert.Empty(t, mock.CancelCalls)
}

func TestPlacePairRollbackFailureFlagsInconsistent(t *testing.T) {
	store := newFakeStore()
	m, mock, notifier := newManager(store)
	mock.FailNext("create-order", nil)
	mock.FailNext("create-order", &exchange.APIError{Code: 306, Message: "insufficient balance"})
	mock.FailNext("cancel-order", &exchange.APIError{Code: 500, Message: "exchange down"})

	err := m.PlacePair(context.Background(), filledEntry(), "50000", atrRules(), atrOf(1000))
	require.Error(t, err)

	require.Len(t, store.orders, 1)
	slID := store.orders[0].ExchangeOrderID
	assert.Equal(t, db.OrderStatusFailedInconsistent, store.statusUpdates[slID].Status)
	assert.Equal(t, []string{"oco_inconsistent"}, notifier.alerts)
}

func TestPlacePairRetriesTriggerVariants(t *testing.T) {
	store := newFakeStore()
	m, mock, _ := newManager(store)
	// first SL attempt rejected for price format; compact variant accepted
	mock.FailNext("create-order", &exchange.APIError{Code: exchange.CodeInvalidPriceFormat, Message: "bad trigger"})

	err := m.PlacePair(context.Background(), filledEntry(), "50000", atrRules(), atrOf(1000))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(mock.CreateCalls), 3)
	assert.Equal(t, "<= 48500.00", mock.CreateCalls[0].TriggerCondition)
	assert.Equal(t, "<=48500.00", mock.CreateCalls[1].TriggerCondition)
}

func TestEnsureProtectionWaitsForFill(t *testing.T) {
	store := newFakeStore()
	m, mock, _ := newManager(store)

	resp, err := mock.CreateOrder(context.Background(), exchange.CreateOrderRequest{
		Symbol: "BTC_USDT", Side: "BUY", Type: "LIMIT", Price: "50000.00", Quantity: "0.002",
	})
	require.NoError(t, err)

	entry := filledEntry()
	entry.ExchangeOrderID = resp.OrderID
	entry.Status = db.OrderStatusActive

	require.NoError(t, mock.FillOrder(resp.OrderID, "50000.00"))

	err = m.EnsureProtection(context.Background(), entry, atrRules(), atrOf(1000))
	require.NoError(t, err)

	assert.Equal(t, db.OrderStatusFilled, store.statusUpdates[resp.OrderID].Status)
	assert.Len(t, store.orders, 2, "protection pair placed after fill")
}

func TestEnsureProtectionGivesUpAfterWindow(t *testing.T) {
	store := newFakeStore()
	m, mock, _ := newManager(store)

	resp, err := mock.CreateOrder(context.Background(), exchange.CreateOrderRequest{
		Symbol: "BTC_USDT", Side: "BUY", Type: "LIMIT", Price: "50000.00", Quantity: "0.002",
	})
	require.NoError(t, err)

	entry := filledEntry()
	entry.ExchangeOrderID = resp.OrderID
	entry.Status = db.OrderStatusActive

	// never filled
	err = m.EnsureProtection(context.Background(), entry, atrRules(), atrOf(1000))
	require.NoError(t, err)
	assert.Empty(t, store.orders)
}

func TestHandleProtectionFillCancelsSibling(t *testing.T) {
	store := newFakeStore()
	m, mock, _ := newManager(store)

	// place the sibling on the mock so cancellation succeeds
	resp, err := mock.CreateOrder(context.Background(), exchange.CreateOrderRequest{
		Symbol: "BTC_USDT", Side: "SELL", Type: "TAKE_PROFIT_LIMIT", Price: "52250.00", Quantity: "0.002",
	})
	require.NoError(t, err)

	group := "G-1"
	sibling := &db.Order{ExchangeOrderID: resp.OrderID, Status: db.OrderStatusActive, OCOGroupID: &group}
	store.siblings[group] = sibling

	filled := &db.Order{
		ExchangeOrderID: "SL-1",
		Symbol:          "BTC_USDT",
		Role:            db.OrderRoleStopLoss,
		Status:          db.OrderStatusFilled,
		OCOGroupID:      &group,
	}

	require.NoError(t, m.HandleProtectionFill(context.Background(), filled))
	assert.Equal(t, []string{resp.OrderID}, mock.CancelCalls)
	assert.Equal(t, db.OrderStatusCancelled, store.statusUpdates[resp.OrderID].Status)
}

func TestHandleProtectionFillSiblingAlreadyCancelled(t *testing.T) {
	store := newFakeStore()
	m, mock, notifier := newManager(store)

	group := "G-2"
	store.siblings[group] = &db.Order{ExchangeOrderID: "TP-9", Status: db.OrderStatusCancelled, OCOGroupID: &group}

	filled := &db.Order{
		ExchangeOrderID: "SL-9",
		Symbol:          "BTC_USDT",
		Role:            db.OrderRoleStopLoss,
		OCOGroupID:      &group,
	}

	require.NoError(t, m.HandleProtectionFill(context.Background(), filled))
	assert.Empty(t, mock.CancelCalls, "no re-cancellation")
	assert.Len(t, notifier.sent, 1, "informational notification emitted")
}

func TestHandleProtectionFillFallsBackToRoleMatch(t *testing.T) {
	store := newFakeStore()
	m, mock, _ := newManager(store)

	resp, err := mock.CreateOrder(context.Background(), exchange.CreateOrderRequest{
		Symbol: "BTC_USDT", Side: "SELL", Type: "TAKE_PROFIT_LIMIT", Price: "52250.00", Quantity: "0.002",
	})
	require.NoError(t, err)
	store.byRole[db.OrderRoleTakeProfit] = &db.Order{ExchangeOrderID: resp.OrderID, Status: db.OrderStatusActive}

	// legacy order: no group, no parent
	filled := &db.Order{
		ExchangeOrderID: "SL-legacy",
		Symbol:          "BTC_USDT",
		Role:            db.OrderRoleStopLoss,
	}

	require.NoError(t, m.HandleProtectionFill(context.Background(), filled))
	assert.Equal(t, []string{resp.OrderID}, mock.CancelCalls)
}
