package identity

import "fmt"

// RegistrationError is returned when the signUp endpoint rejects the secret.
type RegistrationError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *RegistrationError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("identity registration failed: %s: %s", e.Status, e.Body)
	}
	return "identity registration failed: " + e.Status
}

// RefreshError is returned when the token endpoint rejects a refresh token.
type RefreshError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *RefreshError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("identity token refresh failed: %s: %s", e.Status, e.Body)
	}
	return "identity token refresh failed: " + e.Status
}

// RefreshFailed marks the error as a refresh rejection for the token manager.
func (e *RefreshError) RefreshFailed() bool { return true }
