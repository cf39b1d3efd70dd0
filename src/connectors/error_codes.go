package connectors

import (
	"errors"
	"fmt"
)

// ErrTokenExpired signals that the broker session is no longer valid and a
// fresh login is required before any further call can succeed. Kite access
// tokens die at 6 AM IST regardless of activity.
var ErrTokenExpired = errors.New("broker access token expired, re-authentication required")

// APIError is a non-2xx response from the broker gateway with its decoded
// error envelope.
type APIError struct {
	Status    int
	ErrorType string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error (%d %s): %s", e.Status, e.ErrorType, e.Message)
}

// IsAuthError reports whether err means the session must be re-established
// rather than the call retried.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrTokenExpired) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorType == "TokenException" || apiErr.Status == 403
	}
	return false
}
