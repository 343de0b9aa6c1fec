// Package email handles sending digest emails via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// AuthError indicates the provider rejected our credentials. The channel
// runner logs these with a distinct reason so a misconfigured provider is
// easy to tell apart from per-user failures.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s rejected credentials: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError checks if an error is a provider credential rejection.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
