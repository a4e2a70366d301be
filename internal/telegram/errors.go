package telegram

import (
	"errors"
	"fmt"
)

// APIError is the bridge's view of a failed Bot API call. StatusCode follows
// HTTP semantics: 429 and 5xx are transient, 4xx is permanent. Network
// failures are reported as 500 so the retry policy treats them as transient.
type APIError struct {
	StatusCode        int
	RetryAfterSeconds int
	Description       string
}

func (e *APIError) Error() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("telegram: status %d (retry after %ds): %s", e.StatusCode, e.RetryAfterSeconds, e.Description)
	}
	return fmt.Sprintf("telegram: status %d: %s", e.StatusCode, e.Description)
}

// AsAPIError unwraps err into an APIError if one is present.
func AsAPIError(err error) (*APIError, bool) {
	var api *APIError
	if errors.As(err, &api) {
		return api, true
	}
	return nil, false
}

// IsParseModeRejection reports whether the server refused the message because
// of its entity markup. The caller resends the same chunk in plain text.
func IsParseModeRejection(err error) bool {
	api, ok := AsAPIError(err)
	return ok && api.StatusCode == 400
}
