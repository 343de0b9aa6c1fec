// Package notifier contains the core domain types for the forum digest
// notification service.
package notifier

// Channel is a named notification frequency. Crontab determines when the
// channel activates; an empty crontab means the channel never activates on
// its own and can only be forced manually.
type Channel struct {
	Name    string
	Crontab string
}

// Site is a forum site the notifier watches for new posts.
type Site struct {
	ID     string `json:"id" yaml:"id"`
	Secure bool   `json:"secure" yaml:"secure"`
}

// Delivery methods a user can choose for their digests.
const (
	DeliveryPM    = "pm"
	DeliveryEmail = "email"
)

// Subscription is a user's manual subscription (or unsubscription) to a
// thread, or to a single post within a thread.
type Subscription struct {
	ThreadID  string
	PostID    string // empty for thread-level subscriptions
	Direction int    // +1 subscribe, -1 unsubscribe
}

// UserConfig is a read-only snapshot of one user's notification settings
// for a single run.
type UserConfig struct {
	UserID                string
	Username              string
	Frequency             string
	Delivery              string
	LastNotifiedTimestamp int64  // watermark: posted time of the newest post already covered
	Tags                  string // space-separated diagnostic tags on the user's config page
	ManualSubs            []Subscription
}

// Post is one forum post as stored for digest lookups.
type Post struct {
	ID              string
	ThreadID        string
	SiteID          string
	CategoryID      string
	ParentPostID    string
	AuthorUsername  string
	PostedTimestamp int64
	Title           string
	Snippet         string
	ThreadTitle     string
}

// PostBatch is the result of a new-post lookup for one user over a
// timestamp window. ThreadPosts are new posts in threads the user is
// subscribed to; PostReplies are replies to the user's own posts. Both are
// ordered by posted timestamp.
type PostBatch struct {
	ThreadPosts []Post
	PostReplies []Post
}

// Count returns the total number of posts in the batch.
func (b PostBatch) Count() int {
	return len(b.ThreadPosts) + len(b.PostReplies)
}

// ThreadCount returns the number of distinct threads across both
// collections. A reply and a thread post from the same thread count once.
func (b PostBatch) ThreadCount() int {
	seen := make(map[string]struct{}, len(b.ThreadPosts)+len(b.PostReplies))
	for _, p := range b.ThreadPosts {
		seen[p.ThreadID] = struct{}{}
	}
	for _, p := range b.PostReplies {
		seen[p.ThreadID] = struct{}{}
	}
	return len(seen)
}

// LastTimestamp returns the newest posted timestamp in the batch, or 0 for
// an empty batch. After a successful delivery this becomes the user's
// watermark: it reflects only posts actually covered, never the lookup
// window's upper bound.
func (b PostBatch) LastTimestamp() int64 {
	var newest int64
	for _, p := range b.ThreadPosts {
		if p.PostedTimestamp > newest {
			newest = p.PostedTimestamp
		}
	}
	for _, p := range b.PostReplies {
		if p.PostedTimestamp > newest {
			newest = p.PostedTimestamp
		}
	}
	return newest
}

// Override is a site-wide notification rule maintained by site staff,
// e.g. muting an entire forum category. Manual user subscriptions take
// precedence over overrides.
type Override struct {
	Action     string `yaml:"action"` // currently only "mute"
	CategoryID string `yaml:"category_id"`
	ThreadID   string `yaml:"thread_id"`
}

// Outcome statuses for notifying a single user.
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
)

// Skip reasons surfaced by the per-user pipeline.
const (
	SkipNoPosts         = "no posts"
	SkipRestrictedInbox = "restricted inbox"
	SkipUnknownAddress  = "unknown address"
)

// Outcome is the result of notifying one user. Failures are not an Outcome:
// unexpected errors propagate out of the pipeline and are classified by the
// channel runner.
type Outcome struct {
	Status      string
	Reason      string // set for skips
	PostCount   int
	ThreadCount int
}

// Sent returns a successful delivery outcome.
func Sent(postCount, threadCount int) Outcome {
	return Outcome{Status: OutcomeSent, PostCount: postCount, ThreadCount: threadCount}
}

// Skipped returns a no-delivery outcome with the given reason.
func Skipped(reason string) Outcome {
	return Outcome{Status: OutcomeSkipped, Reason: reason}
}

// ChannelSummary is the durable record of one channel run.
type ChannelSummary struct {
	Channel             string `json:"channel"`
	StartTimestamp      int64  `json:"start_timestamp"`
	EndTimestamp        int64  `json:"end_timestamp"`
	UserCount           int    `json:"user_count"`
	NotifiedUserCount   int    `json:"notified_user_count"`
	NotifiedPostCount   int    `json:"notified_post_count"`
	NotifiedThreadCount int    `json:"notified_thread_count"`
	FailedUserCount     int    `json:"failed_user_count"`
}

// RunSummary is the durable record of one full activation of the notifier.
type RunSummary struct {
	StartTimestamp        int64 `json:"start_timestamp"`
	EndTimestamp          int64 `json:"end_timestamp"`
	SiteCount             int   `json:"site_count"`
	UserCount             int   `json:"user_count"`
	DownloadedPostCount   int   `json:"downloaded_post_count"`
	DownloadedThreadCount int   `json:"downloaded_thread_count"`
}
