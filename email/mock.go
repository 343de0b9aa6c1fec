package email

import (
	"context"
	"log/slog"
)

// MockProvider logs digests instead of sending them. Used for local runs
// where users with email delivery exist but no real provider is configured.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a logging-only provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs the digest and reports success.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL: digest not sent",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}
