package outbound

import (
	"errors"
	"testing"

	"github.com/basket/rho-bridge/internal/telegram"
)

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"rate limited", &telegram.APIError{StatusCode: 429}, 0, true},
		{"server error", &telegram.APIError{StatusCode: 502}, 2, true},
		{"bad request", &telegram.APIError{StatusCode: 400}, 0, false},
		{"forbidden", &telegram.APIError{StatusCode: 403}, 0, false},
		{"attempts exhausted", &telegram.APIError{StatusCode: 429}, 3, false},
		{"plain error", errors.New("boom"), 0, false},
	}
	for _, tc := range cases {
		if got := ShouldRetry(tc.err, tc.attempt); got != tc.want {
			t.Fatalf("%s: ShouldRetry = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &telegram.APIError{StatusCode: 429, RetryAfterSeconds: 2}
	for attempt := 0; attempt < 3; attempt++ {
		if got := RetryDelayMs(err, attempt); got != 2000 {
			t.Fatalf("attempt %d: delay %d, want 2000", attempt, got)
		}
	}
}

func TestRetryDelayExponential(t *testing.T) {
	err := &telegram.APIError{StatusCode: 500}
	want := []int64{1000, 2000, 4000}
	for attempt, w := range want {
		if got := RetryDelayMs(err, attempt); got != w {
			t.Fatalf("attempt %d: delay %d, want %d", attempt, got, w)
		}
	}
	if got := RetryDelayMs(err, 10); got != MaxRetryDelayMs {
		t.Fatalf("delay %d, want cap %d", got, MaxRetryDelayMs)
	}
}
