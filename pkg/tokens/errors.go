package tokens

import (
	"context"
	"errors"
	"fmt"
)

// RefreshFailure is implemented by errors that mean the refresh token can no
// longer be used. Only these trigger the registration fallback.
type RefreshFailure interface {
	error
	RefreshFailed() bool
}

// AuthProviderError is returned when no valid token could be minted.
type AuthProviderError struct {
	// Refresh is set when a refresh attempt failed before registration.
	Refresh  error
	Register error
}

func (e *AuthProviderError) Error() string {
	if e.Refresh != nil {
		return fmt.Sprintf("auth provider: refresh failed (%v) and registration failed (%v)", e.Refresh, e.Register)
	}
	return fmt.Sprintf("auth provider: registration failed: %v", e.Register)
}

func (e *AuthProviderError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Refresh != nil {
		out = append(out, e.Refresh)
	}
	if e.Register != nil {
		out = append(out, e.Register)
	}
	return out
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isRefreshFailure(err error) bool {
	var rf RefreshFailure
	return errors.As(err, &rf) && rf.RefreshFailed()
}
