// Package dispatch is the notification engine: it decides which users get a
// digest, delivers it, and records progress. The run orchestrator, channel
// runner and per-user pipeline all live here.
package dispatch

import (
	"context"

	"forum-notifier/pkg/notifier"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	UserConfigs(ctx context.Context, channel string) ([]notifier.UserConfig, error)
	NewPostsForUser(ctx context.Context, user notifier.UserConfig, start, end int64) (notifier.PostBatch, error)
	GlobalOverrides(ctx context.Context) (map[string][]notifier.Override, error)
	StoreUserLastNotified(ctx context.Context, userID string, timestamp int64) error
	StoreUserTags(ctx context.Context, userID, tags string) error
	StoreChannelSummary(ctx context.Context, sum notifier.ChannelSummary) error
}

// Forum is the remote client surface the pipeline needs.
type Forum interface {
	SendMessage(ctx context.Context, userID, subject, body string) error
	SetTags(ctx context.Context, site notifier.Site, page, tags string) error
	Contacts(ctx context.Context) (map[string]string, error)
}

// Mailer sends one digest email.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// DigestBuilder composes a digest. Must be pure.
type DigestBuilder interface {
	ForUser(user notifier.UserConfig, channel string, batch notifier.PostBatch) (subject, body string)
}
