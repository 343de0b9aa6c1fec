package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"forum-notifier/email"
	"forum-notifier/pkg/notifier"
)

// Runner executes one channel end to end: every subscribed user through the
// pipeline, counters from the sent outcomes, one durable summary.
type Runner struct {
	pipeline *Pipeline
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a channel runner around a pipeline.
func NewRunner(pipeline *Pipeline, store Store, logger *slog.Logger) *Runner {
	return &Runner{
		pipeline: pipeline,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// RunChannel notifies every user subscribed to the channel. One user's
// failure never stops the loop: it is logged with full context and counted.
// Only errors before the loop starts, or the final summary write, are fatal.
func (r *Runner) RunChannel(ctx context.Context, channel string, windowEnd int64) (notifier.ChannelSummary, error) {
	r.logger.Info("Activating channel", "channel", channel)
	summary := notifier.ChannelSummary{
		Channel:        channel,
		StartTimestamp: r.now().Unix(),
	}

	users, err := r.store.UserConfigs(ctx, channel)
	if err != nil {
		return summary, fmt.Errorf("load users for channel %s: %w", channel, err)
	}
	summary.UserCount = len(users)
	r.logger.Debug("Found users for channel", "channel", channel, "user_count", len(users))

	addresses := NewAddressCache()
	for _, user := range users {
		if ctx.Err() != nil {
			return summary, fmt.Errorf("channel %s interrupted: %w", channel, ctx.Err())
		}

		outcome, err := r.pipeline.NotifyUser(ctx, user, channel, windowEnd, addresses)
		if err != nil {
			summary.FailedUserCount++
			if email.IsAuthError(err) {
				r.logger.Error("Failed to notify user via email",
					"reason", "mail provider authentication failed",
					"user", user.Username,
					"channel", channel,
					"error", err)
			} else {
				r.logger.Error("Failed to notify user",
					"reason", "unknown",
					"user", user.Username,
					"user_id", user.UserID,
					"delivery", user.Delivery,
					"last_notified_timestamp", user.LastNotifiedTimestamp,
					"tags", user.Tags,
					"manual_sub_count", len(user.ManualSubs),
					"channel", channel,
					"error", err)
			}
			continue
		}

		if outcome.Status == notifier.OutcomeSent {
			summary.NotifiedUserCount++
			summary.NotifiedPostCount += outcome.PostCount
			summary.NotifiedThreadCount += outcome.ThreadCount
		}
	}

	summary.EndTimestamp = r.now().Unix()
	if err := r.store.StoreChannelSummary(ctx, summary); err != nil {
		return summary, fmt.Errorf("store summary for channel %s: %w", channel, err)
	}

	r.logger.Info("Finished notifying channel",
		"channel", channel,
		"user_count", summary.UserCount,
		"notified_user_count", summary.NotifiedUserCount,
		"failed_user_count", summary.FailedUserCount)
	return summary, nil
}
