package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"401 is auth", &APIError{Code: CodeUnauthorized}, IsAuthError, true},
		{"40101 is auth", &APIError{Code: CodeAuthFailed}, IsAuthError, true},
		{"40103 is auth", &APIError{Code: CodeAuthIPNotAllowed}, IsAuthError, true},
		{"308 is not auth", &APIError{Code: CodeInvalidPriceFormat}, IsAuthError, false},
		{"308 is invalid price format", &APIError{Code: CodeInvalidPriceFormat}, IsInvalidPriceFormat, true},
		{"140001 is conditional disabled", &APIError{Code: CodeConditionalDisabled}, IsConditionalDisabled, true},
		{"306 is insufficient funds", &APIError{Code: CodeInsufficientBalance}, IsInsufficientFunds, true},
		{"insufficient by message", &APIError{Code: 999, Message: "INSUFFICIENT_AVAILABLE_BALANCE"}, IsInsufficientFunds, true},
		{"429 is rate limited", &APIError{Code: CodeTooManyRequests}, IsRateLimited, true},
		{"429 is retryable", &APIError{Code: CodeTooManyRequests}, IsRetryable, true},
		{"503 is retryable", &APIError{Code: 503}, IsRetryable, true},
		{"auth is not retryable", &APIError{Code: CodeAuthFailed}, IsRetryable, false},
		{"140001 is not retryable", &APIError{Code: CodeConditionalDisabled}, IsRetryable, false},
		{"deadline is timeout", context.DeadlineExceeded, IsTimeout, true},
		{"deadline is retryable", context.DeadlineExceeded, IsRetryable, true},
		{"connection reset is retryable", errors.New("read tcp: connection reset by peer"), IsRetryable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestErrorClassificationUnwrapsChains(t *testing.T) {
	wrapped := fmt.Errorf("exchange private/create-order: %w", &APIError{Code: CodeAuthFailed, Message: "bad sig"})
	assert.True(t, IsAuthError(wrapped))

	apiErr, ok := AsAPIError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeAuthFailed, apiErr.Code)
}

func TestAPIErrorSnippet(t *testing.T) {
	e := &APIError{Code: 500, Message: "boom", Raw: "0123456789"}
	assert.Equal(t, "01234", e.Snippet(5))
	assert.Equal(t, "0123456789", e.Snippet(100))

	// falls back to message when raw body missing
	e2 := &APIError{Code: 500, Message: "boom"}
	assert.Equal(t, "boom", e2.Snippet(100))
}
