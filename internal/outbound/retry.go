package outbound

import (
	"github.com/basket/rho-bridge/internal/queue"
	"github.com/basket/rho-bridge/internal/telegram"
)

// MaxRetryDelayMs caps exponential backoff between send attempts.
const MaxRetryDelayMs = 30_000

// ShouldRetry reports whether a failed send is worth another attempt. Only
// rate limits and server-side failures qualify, and only while the attempt
// budget lasts.
func ShouldRetry(err error, attempt int) bool {
	if attempt >= queue.MaxSendAttempts {
		return false
	}
	api, ok := telegram.AsAPIError(err)
	if !ok {
		return false
	}
	return api.StatusCode == 429 || api.StatusCode >= 500
}

// RetryDelayMs returns how long to wait before the next attempt. A server
// supplied retry_after wins over exponential backoff.
func RetryDelayMs(err error, attempt int) int64 {
	if api, ok := telegram.AsAPIError(err); ok && api.RetryAfterSeconds > 0 {
		return int64(api.RetryAfterSeconds) * 1000
	}
	delay := int64(1000) << uint(attempt)
	if delay > MaxRetryDelayMs {
		return MaxRetryDelayMs
	}
	return delay
}
