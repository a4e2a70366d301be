package telegram

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-telegram/bot"
)

func TestMapErrorRateLimitCarriesRetryAfter(t *testing.T) {
	err := mapError(&bot.TooManyRequestsError{Message: "flood", RetryAfter: 7})
	api, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if api.StatusCode != 429 || api.RetryAfterSeconds != 7 {
		t.Fatalf("got status %d retry_after %d", api.StatusCode, api.RetryAfterSeconds)
	}
}

func TestMapErrorStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("send: %w", bot.ErrorForbidden), 403},
		{fmt.Errorf("send: %w", bot.ErrorBadRequest), 400},
		{fmt.Errorf("send: %w", bot.ErrorUnauthorized), 401},
		{fmt.Errorf("get: %w", bot.ErrorNotFound), 404},
		{errors.New("dial tcp: connection refused"), 500},
	}
	for _, tc := range cases {
		api, ok := AsAPIError(mapError(tc.err))
		if !ok {
			t.Fatalf("%v: expected APIError", tc.err)
		}
		if api.StatusCode != tc.want {
			t.Fatalf("%v: status %d, want %d", tc.err, api.StatusCode, tc.want)
		}
	}
}

func TestMapErrorPassesContextErrors(t *testing.T) {
	if err := mapError(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if _, ok := AsAPIError(mapError(context.DeadlineExceeded)); ok {
		t.Fatal("context errors must not become APIErrors")
	}
}

func TestIsParseModeRejection(t *testing.T) {
	if !IsParseModeRejection(&APIError{StatusCode: 400, Description: "can't parse entities"}) {
		t.Fatal("400 should count as a parse rejection")
	}
	if IsParseModeRejection(&APIError{StatusCode: 429}) {
		t.Fatal("429 is not a parse rejection")
	}
	if IsParseModeRejection(errors.New("plain")) {
		t.Fatal("non-API errors are not parse rejections")
	}
}
