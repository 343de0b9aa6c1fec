package storage

import (
	"context"
	"fmt"

	"forum-notifier/pkg/notifier"
)

// StoreChannelSummary records the durable log dump for one channel run.
func (s *Store) StoreChannelSummary(ctx context.Context, sum notifier.ChannelSummary) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_log_dumps
			(channel, start_timestamp, end_timestamp, user_count,
			 notified_user_count, notified_post_count, notified_thread_count, failed_user_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.Channel, sum.StartTimestamp, sum.EndTimestamp, sum.UserCount,
		sum.NotifiedUserCount, sum.NotifiedPostCount, sum.NotifiedThreadCount,
		sum.FailedUserCount); err != nil {
		return fmt.Errorf("store channel summary for %s: %w", sum.Channel, err)
	}
	return nil
}

// StoreRunSummary records the durable log dump for one full activation.
func (s *Store) StoreRunSummary(ctx context.Context, sum notifier.RunSummary) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO activation_log_dumps
			(start_timestamp, end_timestamp, site_count, user_count,
			 downloaded_post_count, downloaded_thread_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sum.StartTimestamp, sum.EndTimestamp, sum.SiteCount, sum.UserCount,
		sum.DownloadedPostCount, sum.DownloadedThreadCount); err != nil {
		return fmt.Errorf("store run summary: %w", err)
	}
	return nil
}

// ChannelSummaries returns channel log dumps that started at or after the
// cutoff, oldest first.
func (s *Store) ChannelSummaries(ctx context.Context, since int64) ([]notifier.ChannelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, start_timestamp, end_timestamp, user_count,
		       notified_user_count, notified_post_count, notified_thread_count, failed_user_count
		FROM channel_log_dumps
		WHERE start_timestamp >= ?
		ORDER BY start_timestamp`, since)
	if err != nil {
		return nil, fmt.Errorf("query channel summaries: %w", err)
	}
	defer rows.Close()

	var sums []notifier.ChannelSummary
	for rows.Next() {
		var sum notifier.ChannelSummary
		if err := rows.Scan(&sum.Channel, &sum.StartTimestamp, &sum.EndTimestamp,
			&sum.UserCount, &sum.NotifiedUserCount, &sum.NotifiedPostCount,
			&sum.NotifiedThreadCount, &sum.FailedUserCount); err != nil {
			return nil, fmt.Errorf("scan channel summary: %w", err)
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// RunSummaries returns activation log dumps that started at or after the
// cutoff, oldest first.
func (s *Store) RunSummaries(ctx context.Context, since int64) ([]notifier.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_timestamp, end_timestamp, site_count, user_count,
		       downloaded_post_count, downloaded_thread_count
		FROM activation_log_dumps
		WHERE start_timestamp >= ?
		ORDER BY start_timestamp`, since)
	if err != nil {
		return nil, fmt.Errorf("query run summaries: %w", err)
	}
	defer rows.Close()

	var sums []notifier.RunSummary
	for rows.Next() {
		var sum notifier.RunSummary
		if err := rows.Scan(&sum.StartTimestamp, &sum.EndTimestamp, &sum.SiteCount,
			&sum.UserCount, &sum.DownloadedPostCount, &sum.DownloadedThreadCount); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}
