package storage

import (
	"context"
	"fmt"

	"forum-notifier/pkg/notifier"
)

// Thread is the stored metadata for one forum thread.
type Thread struct {
	ID               string
	SiteID           string
	CategoryID       string
	Title            string
	CreatorUsername  string
	CreatedTimestamp int64
}

// FindNewThreads returns the subset of threadIDs not yet present in
// storage. These need a metadata fetch from the forum before their posts
// can be stored.
func (s *Store) FindNewThreads(ctx context.Context, threadIDs []string) ([]string, error) {
	var unknown []string
	for _, id := range threadIDs {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM threads WHERE id = ?`, id).Scan(&n); err != nil {
			return nil, fmt.Errorf("check thread %s: %w", id, err)
		}
		if n == 0 {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}

// StoreThread inserts or refreshes one thread's metadata.
func (s *Store) StoreThread(ctx context.Context, t Thread) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, site_id, category_id, title, creator_username, created_timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			category_id = excluded.category_id,
			title = excluded.title`,
		t.ID, t.SiteID, t.CategoryID, t.Title, t.CreatorUsername, t.CreatedTimestamp); err != nil {
		return fmt.Errorf("store thread %s: %w", t.ID, err)
	}
	return nil
}

// StorePosts inserts downloaded posts, ignoring ones already stored. Posts
// referencing a thread that is not in storage are rejected by the schema,
// so thread metadata must be stored first.
func (s *Store) StorePosts(ctx context.Context, posts []notifier.Post) (int, error) {
	stored := 0
	for _, p := range posts {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO posts (id, thread_id, parent_post_id, author_username, posted_timestamp, title, snippet)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			p.ID, p.ThreadID, p.ParentPostID, p.AuthorUsername, p.PostedTimestamp, p.Title, p.Snippet)
		if err != nil {
			return stored, fmt.Errorf("store post %s: %w", p.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			stored++
		}
	}
	return stored, nil
}

// NewPostsForUser looks up the posts a user should be notified about in the
// inclusive window [start, end]. Thread posts are new posts in threads the
// user started or manually subscribed to; post replies are direct replies
// to the user's own posts (or to posts they manually subscribed to). The
// user's own posts never qualify, and manual unsubscriptions always win.
func (s *Store) NewPostsForUser(ctx context.Context, user notifier.UserConfig, start, end int64) (notifier.PostBatch, error) {
	var batch notifier.PostBatch

	replies, err := s.queryPosts(ctx, `
		SELECT p.id, p.thread_id, t.site_id, t.category_id, p.parent_post_id,
		       p.author_username, p.posted_timestamp, p.title, p.snippet, t.title
		FROM posts p
		JOIN threads t ON t.id = p.thread_id
		WHERE p.posted_timestamp BETWEEN ? AND ?
		  AND p.author_username != ?
		  AND (
			EXISTS (SELECT 1 FROM posts parent
				WHERE parent.id = p.parent_post_id AND parent.author_username = ?)
			OR EXISTS (SELECT 1 FROM manual_subs ms
				WHERE ms.user_id = ? AND ms.thread_id = p.thread_id
				  AND ms.post_id = p.parent_post_id AND ms.post_id != '' AND ms.direction = 1)
		  )
		  AND NOT EXISTS (SELECT 1 FROM manual_subs ms
			WHERE ms.user_id = ? AND ms.thread_id = p.thread_id
			  AND ms.post_id = p.parent_post_id AND ms.post_id != '' AND ms.direction = -1)
		ORDER BY p.posted_timestamp`,
		start, end, user.Username, user.Username, user.UserID, user.UserID)
	if err != nil {
		return batch, fmt.Errorf("query post replies: %w", err)
	}
	batch.PostReplies = replies

	threadPosts, err := s.queryPosts(ctx, `
		SELECT p.id, p.thread_id, t.site_id, t.category_id, p.parent_post_id,
		       p.author_username, p.posted_timestamp, p.title, p.snippet, t.title
		FROM posts p
		JOIN threads t ON t.id = p.thread_id
		WHERE p.posted_timestamp BETWEEN ? AND ?
		  AND p.author_username != ?
		  AND (
			t.creator_username = ?
			OR EXISTS (SELECT 1 FROM manual_subs ms
				WHERE ms.user_id = ? AND ms.thread_id = p.thread_id
				  AND ms.post_id = '' AND ms.direction = 1)
		  )
		  AND NOT EXISTS (SELECT 1 FROM manual_subs ms
			WHERE ms.user_id = ? AND ms.thread_id = p.thread_id
			  AND ms.post_id = '' AND ms.direction = -1)
		ORDER BY p.posted_timestamp`,
		start, end, user.Username, user.Username, user.UserID, user.UserID)
	if err != nil {
		return batch, fmt.Errorf("query thread posts: %w", err)
	}

	// A reply in a subscribed thread qualifies under both queries; keep it
	// only as a reply so it is not counted twice.
	replyIDs := make(map[string]struct{}, len(replies))
	for _, p := range replies {
		replyIDs[p.ID] = struct{}{}
	}
	for _, p := range threadPosts {
		if _, dup := replyIDs[p.ID]; !dup {
			batch.ThreadPosts = append(batch.ThreadPosts, p)
		}
	}

	return batch, nil
}

func (s *Store) queryPosts(ctx context.Context, query string, args ...any) ([]notifier.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []notifier.Post
	for rows.Next() {
		var p notifier.Post
		if err := rows.Scan(&p.ID, &p.ThreadID, &p.SiteID, &p.CategoryID, &p.ParentPostID,
			&p.AuthorUsername, &p.PostedTimestamp, &p.Title, &p.Snippet, &p.ThreadTitle); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// ThreadsWithPostsSince returns threads that received posts at or after the
// cutoff, for the deleted-post maintenance sweep.
func (s *Store) ThreadsWithPostsSince(ctx context.Context, cutoff int64) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.id, t.site_id, t.category_id, t.title, t.creator_username, t.created_timestamp
		FROM threads t
		JOIN posts p ON p.thread_id = t.id
		WHERE p.posted_timestamp >= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query recent threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.SiteID, &t.CategoryID, &t.Title,
			&t.CreatorUsername, &t.CreatedTimestamp); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// DeleteThread removes a thread and, via cascade, all of its posts.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}
