package claude

import "errors"

// ErrEmptyResponse is returned when the CLI printed nothing usable.
var ErrEmptyResponse = errors.New("claude returned empty or unparseable response")

// AuthenticationError represents an authentication failure with the claude CLI.
type AuthenticationError struct {
	Message string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return e.Message
}

// IsAuthenticationError checks if an error is an authentication error.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
