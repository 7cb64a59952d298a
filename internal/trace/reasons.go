// Package trace writes the decision trace: the (decision_type, reason_code,
// reason_message, context) stamp applied to an alert record, the audit
// artifact of the pipeline.
package trace

// DecisionType classifies the final outcome of an alert.
type DecisionType string

const (
	DecisionPending  DecisionType = "PENDING"
	DecisionExecuted DecisionType = "EXECUTED"
	DecisionSkipped  DecisionType = "SKIPPED"
	DecisionFailed   DecisionType = "FAILED"
	DecisionBlocked  DecisionType = "BLOCKED"
)

// ReasonCode identifies why a decision was taken.
type ReasonCode string

const (
	// SKIPPED reasons
	ReasonMaxOpenTradesReached      ReasonCode = "MAX_OPEN_TRADES_REACHED"
	ReasonRecentOrdersCooldown      ReasonCode = "RECENT_ORDERS_COOLDOWN"
	ReasonTradeDisabled             ReasonCode = "TRADE_DISABLED"
	ReasonAlertDisabled             ReasonCode = "ALERT_DISABLED"
	ReasonDataMissing               ReasonCode = "DATA_MISSING"
	ReasonGuardrailBlocked          ReasonCode = "GUARDRAIL_BLOCKED"
	ReasonInsufficientAvailBalance  ReasonCode = "INSUFFICIENT_AVAILABLE_BALANCE"
	ReasonIdempotencyBlocked        ReasonCode = "IDEMPOTENCY_BLOCKED"
	ReasonPipelineNotCalled         ReasonCode = "DECISION_PIPELINE_NOT_CALLED"
	ReasonThrottledMinTime          ReasonCode = "THROTTLED_MIN_TIME"
	ReasonThrottledMinPriceChange   ReasonCode = "THROTTLED_MIN_PRICE_CHANGE"

	// FAILED reasons
	ReasonExchangeRejected     ReasonCode = "EXCHANGE_REJECTED"
	ReasonInsufficientFunds    ReasonCode = "INSUFFICIENT_FUNDS"
	ReasonAuthenticationError  ReasonCode = "AUTHENTICATION_ERROR"
	ReasonRateLimit            ReasonCode = "RATE_LIMIT"
	ReasonTimeout              ReasonCode = "TIMEOUT"
	ReasonInvalidPriceFormat   ReasonCode = "INVALID_PRICE_FORMAT"
	ReasonExchangeErrorUnknown ReasonCode = "EXCHANGE_ERROR_UNKNOWN"

	// EXECUTED reasons
	ReasonExecOrderPlaced ReasonCode = "EXEC_ORDER_PLACED"

	// BLOCKED reasons
	ReasonExchangeAPIDisabled ReasonCode = "EXCHANGE_API_DISABLED"
)

// reasonsByType partitions the reason codes by the decision type they may
// accompany.
var reasonsByType = map[DecisionType]map[ReasonCode]bool{
	DecisionSkipped: {
		ReasonMaxOpenTradesReached:     true,
		ReasonRecentOrdersCooldown:     true,
		ReasonTradeDisabled:            true,
		ReasonAlertDisabled:            true,
		ReasonDataMissing:              true,
		ReasonGuardrailBlocked:         true,
		ReasonInsufficientAvailBalance: true,
		ReasonIdempotencyBlocked:       true,
		ReasonPipelineNotCalled:        true,
		ReasonThrottledMinTime:         true,
		ReasonThrottledMinPriceChange:  true,
	},
	DecisionFailed: {
		ReasonExchangeRejected:     true,
		ReasonInsufficientFunds:    true,
		ReasonAuthenticationError:  true,
		ReasonRateLimit:            true,
		ReasonTimeout:              true,
		ReasonInvalidPriceFormat:   true,
		ReasonExchangeErrorUnknown: true,
	},
	DecisionExecuted: {
		ReasonExecOrderPlaced: true,
	},
	DecisionBlocked: {
		ReasonExchangeAPIDisabled: true,
	},
}

// ValidFor reports whether the reason code belongs to the decision type's
// partition.
func (r ReasonCode) ValidFor(dt DecisionType) bool {
	return reasonsByType[dt][r]
}

// reasonMessages are the plain-language messages shown in the monitoring view.
var reasonMessages = map[ReasonCode]string{
	ReasonMaxOpenTradesReached:     "maximum open trades for this asset reached",
	ReasonRecentOrdersCooldown:     "an order for this asset was placed too recently",
	ReasonTradeDisabled:            "trading is disabled for this symbol",
	ReasonAlertDisabled:            "alerts are disabled for this symbol",
	ReasonDataMissing:              "required data is missing",
	ReasonGuardrailBlocked:         "portfolio notional cap would be exceeded",
	ReasonInsufficientAvailBalance: "available balance is below the required amount",
	ReasonIdempotencyBlocked:       "an identical signal already produced an order",
	ReasonPipelineNotCalled:        "decision pipeline was not invoked for this alert",
	ReasonThrottledMinTime:         "alert cooldown has not elapsed",
	ReasonThrottledMinPriceChange:  "price has not moved enough since the last alert",
	ReasonExchangeRejected:         "the exchange rejected the order",
	ReasonInsufficientFunds:        "the exchange reported insufficient funds",
	ReasonAuthenticationError:      "exchange authentication failed",
	ReasonRateLimit:                "exchange rate limit exceeded",
	ReasonTimeout:                  "exchange request timed out",
	ReasonInvalidPriceFormat:       "the exchange rejected the price format",
	ReasonExchangeErrorUnknown:     "unknown exchange error",
	ReasonExecOrderPlaced:          "order placed",
	ReasonExchangeAPIDisabled:      "conditional orders are disabled for this account",
}

// Message returns the plain-language message for a reason code.
func (r ReasonCode) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return string(r)
}
