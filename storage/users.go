package storage

import (
	"context"
	"fmt"

	"forum-notifier/pkg/notifier"
)

// UserConfigs returns a snapshot of every user subscribed to the given
// frequency channel, manual subscriptions included.
func (s *Store) UserConfigs(ctx context.Context, channel string) ([]notifier.UserConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, username, frequency, delivery, last_notified_timestamp, tags
		FROM users
		WHERE frequency = ?
		ORDER BY user_id`, channel)
	if err != nil {
		return nil, fmt.Errorf("query user configs: %w", err)
	}
	defer rows.Close()

	var users []notifier.UserConfig
	for rows.Next() {
		var u notifier.UserConfig
		if err := rows.Scan(&u.UserID, &u.Username, &u.Frequency, &u.Delivery,
			&u.LastNotifiedTimestamp, &u.Tags); err != nil {
			return nil, fmt.Errorf("scan user config: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range users {
		subs, err := s.manualSubs(ctx, users[i].UserID)
		if err != nil {
			return nil, err
		}
		users[i].ManualSubs = subs
	}
	return users, nil
}

func (s *Store) manualSubs(ctx context.Context, userID string) ([]notifier.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, post_id, direction FROM manual_subs WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query manual subs: %w", err)
	}
	defer rows.Close()

	var subs []notifier.Subscription
	for rows.Next() {
		var sub notifier.Subscription
		if err := rows.Scan(&sub.ThreadID, &sub.PostID, &sub.Direction); err != nil {
			return nil, fmt.Errorf("scan manual sub: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpsertUserConfig stores one user's parsed config page, replacing any
// previous manual subscriptions. The existing watermark is preserved.
func (s *Store) UpsertUserConfig(ctx context.Context, user notifier.UserConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin user transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (user_id, username, frequency, delivery, last_notified_timestamp, tags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			username = excluded.username,
			frequency = excluded.frequency,
			delivery = excluded.delivery,
			tags = excluded.tags`,
		user.UserID, user.Username, user.Frequency, user.Delivery,
		user.LastNotifiedTimestamp, user.Tags); err != nil {
		return fmt.Errorf("upsert user %s: %w", user.UserID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM manual_subs WHERE user_id = ?`, user.UserID); err != nil {
		return fmt.Errorf("clear manual subs: %w", err)
	}
	for _, sub := range user.ManualSubs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO manual_subs (user_id, thread_id, post_id, direction)
			VALUES (?, ?, ?, ?)`,
			user.UserID, sub.ThreadID, sub.PostID, sub.Direction); err != nil {
			return fmt.Errorf("insert manual sub: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user config: %w", err)
	}
	return nil
}

// StoreUserLastNotified advances a user's watermark after a successful
// delivery. This is the one write whose timing matters: it happens
// immediately after the send so a crash between the two cannot cover much.
func (s *Store) StoreUserLastNotified(ctx context.Context, userID string, timestamp int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_notified_timestamp = ? WHERE user_id = ?`,
		timestamp, userID); err != nil {
		return fmt.Errorf("store last notified for %s: %w", userID, err)
	}
	return nil
}

// StoreUserTags records the current diagnostic tag string for a user so the
// cached config matches what was just written to the remote page.
func (s *Store) StoreUserTags(ctx context.Context, userID, tags string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE users SET tags = ? WHERE user_id = ?`, tags, userID); err != nil {
		return fmt.Errorf("store tags for %s: %w", userID, err)
	}
	return nil
}

// WouldEmail reports whether any user on the given channels wants email
// delivery. The orchestrator skips mail-provider setup when nobody does.
func (s *Store) WouldEmail(ctx context.Context, channels []string) (bool, error) {
	for _, channel := range channels {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM users WHERE frequency = ? AND delivery = 'email'`,
			channel).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("count email users for %s: %w", channel, err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
