package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"forum-notifier/forum"
	"forum-notifier/pkg/notifier"
)

// Inform tags written to a user's config page when delivery is blocked on
// something only they can fix. Cleared again once delivery succeeds.
const (
	TagRestrictedInbox = "restricted-inbox"
	TagNotABackContact = "not-a-back-contact"
)

// Pipeline notifies a single user on a single channel.
type Pipeline struct {
	store        Store
	forum        Forum
	mail         Mailer
	digester     DigestBuilder
	logger       *slog.Logger
	configSite   notifier.Site
	userCategory string

	// ForceInitialTimestamp overrides every user's window start when
	// non-zero. Used for backfills and manual testing.
	forceInitialTimestamp int64
}

// NewPipeline wires a per-user pipeline. configSite and userCategory locate
// the user config pages that inform tags are written to.
func NewPipeline(store Store, remote Forum, mail Mailer, digester DigestBuilder,
	configSite notifier.Site, userCategory string, forceInitialTimestamp int64,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		store:                 store,
		forum:                 remote,
		mail:                  mail,
		digester:              digester,
		logger:                logger,
		configSite:            configSite,
		userCategory:          userCategory,
		forceInitialTimestamp: forceInitialTimestamp,
	}
}

// NotifyUser runs the full pipeline for one user: look up new posts, apply
// overrides, compose, deliver, and record the watermark. Skips are ordinary
// outcomes; only unanticipated failures return an error, for the channel
// runner to classify.
func (p *Pipeline) NotifyUser(ctx context.Context, user notifier.UserConfig, channel string, windowEnd int64, addresses *AddressCache) (notifier.Outcome, error) {
	windowStart := user.LastNotifiedTimestamp + 1
	if p.forceInitialTimestamp != 0 {
		windowStart = p.forceInitialTimestamp
	}

	batch, err := p.store.NewPostsForUser(ctx, user, windowStart, windowEnd)
	if err != nil {
		return notifier.Outcome{}, fmt.Errorf("look up new posts: %w", err)
	}

	overrides, err := p.store.GlobalOverrides(ctx)
	if err != nil {
		return notifier.Outcome{}, fmt.Errorf("look up global overrides: %w", err)
	}
	batch = applyOverrides(batch, overrides, user.ManualSubs)

	if batch.Count() == 0 {
		p.logger.Debug("Skipping notification",
			"user", user.Username, "channel", channel, "reason", notifier.SkipNoPosts)
		return notifier.Skipped(notifier.SkipNoPosts), nil
	}

	// The watermark to record on success: the newest post actually covered,
	// never the window's upper bound.
	lastNotified := batch.LastTimestamp()

	subject, body := p.digester.ForUser(user, channel, batch)

	switch user.Delivery {
	case notifier.DeliveryPM:
		if err := p.forum.SendMessage(ctx, user.UserID, subject, body); err != nil {
			if forum.IsRestrictedInbox(err) {
				p.logger.Warn("Aborting notification",
					"user", user.Username, "channel", channel, "reason", "restricted inbox")
				if err := p.informUser(ctx, &user, TagRestrictedInbox); err != nil {
					return notifier.Outcome{}, err
				}
				return notifier.Skipped(notifier.SkipRestrictedInbox), nil
			}
			return notifier.Outcome{}, fmt.Errorf("send PM: %w", err)
		}

	case notifier.DeliveryEmail:
		address, ok, err := addresses.Lookup(ctx, user.Username, p.forum.Contacts)
		if err != nil {
			return notifier.Outcome{}, fmt.Errorf("fetch contacts: %w", err)
		}
		if !ok {
			// The user wants email but never added the service account as a
			// contact, so there is no address to send to.
			p.logger.Warn("Aborting notification",
				"user", user.Username, "channel", channel, "reason", "not a back-contact")
			if err := p.informUser(ctx, &user, TagNotABackContact); err != nil {
				return notifier.Outcome{}, err
			}
			return notifier.Skipped(notifier.SkipUnknownAddress), nil
		}
		if hasTag(user.Tags, TagNotABackContact) {
			// The user fixed their contacts since we flagged them.
			if err := p.setUserTags(ctx, &user, removeTag(user.Tags, TagNotABackContact)); err != nil {
				return notifier.Outcome{}, err
			}
		}
		if err := p.mail.Send(ctx, address, subject, body); err != nil {
			return notifier.Outcome{}, fmt.Errorf("send email: %w", err)
		}

	default:
		return notifier.Outcome{}, fmt.Errorf("unknown delivery method %q", user.Delivery)
	}

	// Record the watermark immediately after the send; everything between
	// the two is a window in which a crash causes duplicate delivery.
	if err := p.store.StoreUserLastNotified(ctx, user.UserID, lastNotified); err != nil {
		return notifier.Outcome{}, fmt.Errorf("record watermark: %w", err)
	}
	p.logger.Debug("Recorded notification",
		"user", user.Username, "channel", channel, "watermark", lastNotified)

	// Delivery worked, so any leftover inform tags are stale.
	if user.Tags != "" {
		if err := p.setUserTags(ctx, &user, ""); err != nil {
			return notifier.Outcome{}, err
		}
	}

	return notifier.Sent(batch.Count(), batch.ThreadCount()), nil
}

// informUser adds an inform tag to the user's config page unless it is
// already there.
func (p *Pipeline) informUser(ctx context.Context, user *notifier.UserConfig, tag string) error {
	if hasTag(user.Tags, tag) {
		return nil
	}
	return p.setUserTags(ctx, user, addTag(user.Tags, tag))
}

// setUserTags writes a user's tag string to their config page and mirrors
// it into storage so the cached config stays accurate within this run.
func (p *Pipeline) setUserTags(ctx context.Context, user *notifier.UserConfig, tags string) error {
	page := p.userCategory + ":" + user.UserID
	if err := p.forum.SetTags(ctx, p.configSite, page, tags); err != nil {
		return fmt.Errorf("set tags on %s: %w", page, err)
	}
	if err := p.store.StoreUserTags(ctx, user.UserID, tags); err != nil {
		return fmt.Errorf("record tags: %w", err)
	}
	user.Tags = tags
	return nil
}

func hasTag(tags, tag string) bool {
	for _, t := range strings.Fields(tags) {
		if t == tag {
			return true
		}
	}
	return false
}

func addTag(tags, tag string) string {
	return strings.Join(append(strings.Fields(tags), tag), " ")
}

func removeTag(tags, tag string) string {
	var kept []string
	for _, t := range strings.Fields(tags) {
		if t != tag {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, " ")
}
