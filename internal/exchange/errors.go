package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Exchange error codes surfaced in the response envelope.
const (
	CodeUnauthorized        = 401    // missing/invalid credentials
	CodeAuthFailed          = 40101  // signature rejected
	CodeAuthIPNotAllowed    = 40103  // key not valid for source IP
	CodeInvalidPriceFormat  = 308    // price or trigger condition failed parsing
	CodeInsufficientBalance = 306    // not enough available balance
	CodeTooManyRequests     = 429    // rate limited
	CodeConditionalDisabled = 140001 // conditional orders disabled for account
)

// APIError is a typed exchange error carrying the numeric response code and a
// truncated raw body for the decision trace.
type APIError struct {
	Code    int
	Message string
	Raw     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// Snippet returns the raw response truncated to at most n bytes.
func (e *APIError) Snippet(n int) string {
	raw := e.Raw
	if raw == "" {
		raw = e.Message
	}
	if len(raw) > n {
		return raw[:n]
	}
	return raw
}

// AsAPIError unwraps err to an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsAuthError reports whether err is an authentication failure. Auth errors
// are fatal for the symbol this cycle; callers must not fall back to spot.
func IsAuthError(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		switch apiErr.Code {
		case CodeUnauthorized, CodeAuthFailed, CodeAuthIPNotAllowed:
			return true
		}
	}
	return false
}

// IsInvalidPriceFormat reports whether the exchange rejected the price or
// trigger-condition formatting.
func IsInvalidPriceFormat(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == CodeInvalidPriceFormat
}

// IsConditionalDisabled reports whether conditional orders are disabled for
// the account. Non-retryable.
func IsConditionalDisabled(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == CodeConditionalDisabled
}

// IsInsufficientFunds reports whether the exchange rejected the order for
// lack of balance.
func IsInsufficientFunds(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		if apiErr.Code == CodeInsufficientBalance {
			return true
		}
		return strings.Contains(strings.ToUpper(apiErr.Message), "INSUFFICIENT")
	}
	return false
}

// IsRateLimited reports whether the exchange throttled the request.
func IsRateLimited(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == CodeTooManyRequests
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "timeout")
}

// IsRetryable reports whether the operation may be retried with backoff:
// timeouts, rate limits, transient network failures, and 5xx envelopes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) || IsTimeout(err) {
		return true
	}
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Code >= 500 && apiErr.Code < 600
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "temporary failure")
}
