package storage

import (
	"context"
	"log/slog"
	"testing"

	"forum-notifier/pkg/notifier"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func mustStoreThread(t *testing.T, s *Store, th Thread) {
	t.Helper()
	if err := s.StoreThread(context.Background(), th); err != nil {
		t.Fatalf("StoreThread(%s): %v", th.ID, err)
	}
}

func mustStorePosts(t *testing.T, s *Store, posts ...notifier.Post) {
	t.Helper()
	if _, err := s.StorePosts(context.Background(), posts); err != nil {
		t.Fatalf("StorePosts: %v", err)
	}
}

func TestSitesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := []notifier.Site{
		{ID: "main", Secure: true},
		{ID: "sandbox", Secure: false},
	}
	if err := s.ReplaceSites(ctx, want); err != nil {
		t.Fatalf("ReplaceSites: %v", err)
	}

	got, err := s.SupportedSites(ctx)
	if err != nil {
		t.Fatalf("SupportedSites: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sites, want 2", len(got))
	}

	// Replace entirely: the old list must not linger.
	if err := s.ReplaceSites(ctx, []notifier.Site{{ID: "main", Secure: true}}); err != nil {
		t.Fatalf("ReplaceSites: %v", err)
	}
	got, err = s.SupportedSites(ctx)
	if err != nil {
		t.Fatalf("SupportedSites: %v", err)
	}
	if len(got) != 1 || got[0].ID != "main" {
		t.Fatalf("got %+v, want just main", got)
	}
}

func TestUpsertUserConfigPreservesWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := notifier.UserConfig{
		UserID:    "100",
		Username:  "alice",
		Frequency: "daily",
		Delivery:  notifier.DeliveryEmail,
		ManualSubs: []notifier.Subscription{
			{ThreadID: "t-1", Direction: 1},
		},
	}
	if err := s.UpsertUserConfig(ctx, user); err != nil {
		t.Fatalf("UpsertUserConfig: %v", err)
	}
	if err := s.StoreUserLastNotified(ctx, "100", 5000); err != nil {
		t.Fatalf("StoreUserLastNotified: %v", err)
	}

	// A config refresh must not reset the watermark, even though the
	// incoming snapshot carries a zero value.
	user.Frequency = "weekly"
	user.ManualSubs = []notifier.Subscription{
		{ThreadID: "t-2", PostID: "p-9", Direction: -1},
	}
	if err := s.UpsertUserConfig(ctx, user); err != nil {
		t.Fatalf("UpsertUserConfig: %v", err)
	}

	users, err := s.UserConfigs(ctx, "weekly")
	if err != nil {
		t.Fatalf("UserConfigs: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("got %d users, want 1", len(users))
	}
	got := users[0]
	if got.LastNotifiedTimestamp != 5000 {
		t.Errorf("watermark = %d, want 5000", got.LastNotifiedTimestamp)
	}
	if len(got.ManualSubs) != 1 || got.ManualSubs[0].ThreadID != "t-2" || got.ManualSubs[0].Direction != -1 {
		t.Errorf("manual subs = %+v, want the replaced t-2 unsub", got.ManualSubs)
	}

	// The old frequency no longer matches.
	users, err = s.UserConfigs(ctx, "daily")
	if err != nil {
		t.Fatalf("UserConfigs: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("daily still has %d users, want 0", len(users))
	}
}

func TestWouldEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []notifier.UserConfig{
		{UserID: "1", Username: "a", Frequency: "daily", Delivery: notifier.DeliveryPM},
		{UserID: "2", Username: "b", Frequency: "weekly", Delivery: notifier.DeliveryEmail},
	}
	for _, u := range seed {
		if err := s.UpsertUserConfig(ctx, u); err != nil {
			t.Fatalf("UpsertUserConfig: %v", err)
		}
	}

	tests := []struct {
		name     string
		channels []string
		want     bool
	}{
		{"pm only channel", []string{"daily"}, false},
		{"email channel", []string{"weekly"}, true},
		{"mixed", []string{"daily", "weekly"}, true},
		{"no users", []string{"hourly"}, false},
		{"no channels", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.WouldEmail(ctx, tc.channels)
			if err != nil {
				t.Fatalf("WouldEmail: %v", err)
			}
			if got != tc.want {
				t.Errorf("WouldEmail(%v) = %v, want %v", tc.channels, got, tc.want)
			}
		})
	}
}

func TestFindNewThreads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustStoreThread(t, s, Thread{ID: "t-1", SiteID: "main"})

	unknown, err := s.FindNewThreads(ctx, []string{"t-1", "t-2", "t-3"})
	if err != nil {
		t.Fatalf("FindNewThreads: %v", err)
	}
	if len(unknown) != 2 || unknown[0] != "t-2" || unknown[1] != "t-3" {
		t.Errorf("unknown = %v, want [t-2 t-3]", unknown)
	}
}

func TestStorePostsIgnoresDuplicates(t *testing.T) {
	s := newTestStore(t)

	mustStoreThread(t, s, Thread{ID: "t-1", SiteID: "main"})
	post := notifier.Post{ID: "p-1", ThreadID: "t-1", AuthorUsername: "bob", PostedTimestamp: 100}

	n, err := s.StorePosts(context.Background(), []notifier.Post{post})
	if err != nil {
		t.Fatalf("StorePosts: %v", err)
	}
	if n != 1 {
		t.Errorf("stored %d posts, want 1", n)
	}
	n, err = s.StorePosts(context.Background(), []notifier.Post{post})
	if err != nil {
		t.Fatalf("StorePosts: %v", err)
	}
	if n != 0 {
		t.Errorf("redundant store counted %d posts, want 0", n)
	}
}

// seedScenario creates one subscribed thread plus one foreign thread and a
// spread of posts around the window [1001, 2000] for user alice (id 100).
func seedScenario(t *testing.T, s *Store) notifier.UserConfig {
	t.Helper()
	ctx := context.Background()

	user := notifier.UserConfig{
		UserID:                "100",
		Username:              "alice",
		Frequency:             "daily",
		Delivery:              notifier.DeliveryPM,
		LastNotifiedTimestamp: 1000,
	}
	if err := s.UpsertUserConfig(ctx, user); err != nil {
		t.Fatalf("UpsertUserConfig: %v", err)
	}

	mustStoreThread(t, s, Thread{ID: "t-own", SiteID: "main", Title: "Alice's thread", CreatorUsername: "alice"})
	mustStoreThread(t, s, Thread{ID: "t-other", SiteID: "main", Title: "Somebody else's thread", CreatorUsername: "carol"})

	mustStorePosts(t, s,
		// Exactly at the watermark: already covered, must not reappear.
		notifier.Post{ID: "p-old", ThreadID: "t-own", AuthorUsername: "bob", PostedTimestamp: 1000},
		// In window, subscribed thread.
		notifier.Post{ID: "p-thread", ThreadID: "t-own", AuthorUsername: "bob", PostedTimestamp: 1200},
		// In window, alice's own post never notifies her.
		notifier.Post{ID: "p-self", ThreadID: "t-own", AuthorUsername: "alice", PostedTimestamp: 1300},
		// Reply to alice's post, in a thread she did not create.
		notifier.Post{ID: "p-alice", ThreadID: "t-other", AuthorUsername: "alice", PostedTimestamp: 900},
		notifier.Post{ID: "p-reply", ThreadID: "t-other", ParentPostID: "p-alice", AuthorUsername: "carol", PostedTimestamp: 1500},
		// Reply in her own thread: qualifies both ways, counted once.
		notifier.Post{ID: "p-both", ThreadID: "t-own", ParentPostID: "p-self", AuthorUsername: "dave", PostedTimestamp: 1800},
		// Exactly at the window end: included.
		notifier.Post{ID: "p-edge", ThreadID: "t-own", AuthorUsername: "bob", PostedTimestamp: 2000},
		// Past the window end.
		notifier.Post{ID: "p-future", ThreadID: "t-own", AuthorUsername: "bob", PostedTimestamp: 2001},
	)

	users, err := s.UserConfigs(ctx, "daily")
	if err != nil || len(users) != 1 {
		t.Fatalf("UserConfigs: %v (%d users)", err, len(users))
	}
	return users[0]
}

func TestNewPostsForUserWindow(t *testing.T) {
	s := newTestStore(t)
	user := seedScenario(t, s)

	batch, err := s.NewPostsForUser(context.Background(), user, user.LastNotifiedTimestamp+1, 2000)
	if err != nil {
		t.Fatalf("NewPostsForUser: %v", err)
	}

	wantThread := []string{"p-thread", "p-edge"}
	if len(batch.ThreadPosts) != len(wantThread) {
		t.Fatalf("thread posts = %+v, want IDs %v", batch.ThreadPosts, wantThread)
	}
	for i, id := range wantThread {
		if batch.ThreadPosts[i].ID != id {
			t.Errorf("thread post %d = %s, want %s", i, batch.ThreadPosts[i].ID, id)
		}
	}

	wantReplies := []string{"p-reply", "p-both"}
	if len(batch.PostReplies) != len(wantReplies) {
		t.Fatalf("post replies = %+v, want IDs %v", batch.PostReplies, wantReplies)
	}
	for i, id := range wantReplies {
		if batch.PostReplies[i].ID != id {
			t.Errorf("post reply %d = %s, want %s", i, batch.PostReplies[i].ID, id)
		}
	}

	if got := batch.Count(); got != 4 {
		t.Errorf("Count = %d, want 4", got)
	}
	if got := batch.ThreadCount(); got != 2 {
		t.Errorf("ThreadCount = %d, want 2 distinct threads", got)
	}
	if got := batch.LastTimestamp(); got != 2000 {
		t.Errorf("LastTimestamp = %d, want 2000", got)
	}
}

func TestNewPostsForUserManualSubs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := seedScenario(t, s)

	// Unsubscribe from her own thread, subscribe to the other one.
	user.ManualSubs = []notifier.Subscription{
		{ThreadID: "t-own", Direction: -1},
		{ThreadID: "t-other", Direction: 1},
	}
	if err := s.UpsertUserConfig(ctx, user); err != nil {
		t.Fatalf("UpsertUserConfig: %v", err)
	}

	batch, err := s.NewPostsForUser(ctx, user, 1001, 2000)
	if err != nil {
		t.Fatalf("NewPostsForUser: %v", err)
	}

	// t-own is muted so only t-other's post shows up, and p-reply stays a
	// reply rather than a thread post.
	if len(batch.ThreadPosts) != 0 {
		t.Errorf("thread posts = %+v, want none after unsubscribe", batch.ThreadPosts)
	}
	wantReplies := []string{"p-reply", "p-both"}
	if len(batch.PostReplies) != len(wantReplies) {
		t.Fatalf("post replies = %+v, want IDs %v", batch.PostReplies, wantReplies)
	}
}

func TestThreadMaintenance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s)

	threads, err := s.ThreadsWithPostsSince(ctx, 1500)
	if err != nil {
		t.Fatalf("ThreadsWithPostsSince: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("got %d threads, want 2", len(threads))
	}

	if err := s.DeleteThread(ctx, "t-own"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	// Cascade removes the posts too.
	unknown, err := s.FindNewThreads(ctx, []string{"t-own"})
	if err != nil {
		t.Fatalf("FindNewThreads: %v", err)
	}
	if len(unknown) != 1 {
		t.Errorf("t-own still known after delete")
	}
	n, err := s.StorePosts(ctx, []notifier.Post{
		{ID: "p-thread", ThreadID: "t-other", PostedTimestamp: 1200},
	})
	if err != nil {
		t.Fatalf("StorePosts: %v", err)
	}
	if n != 1 {
		t.Errorf("post p-thread survived thread deletion")
	}
}

func TestGlobalOverridesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := map[string][]notifier.Override{
		"main": {
			{Action: "mute", CategoryID: "off-topic"},
			{Action: "mute", ThreadID: "t-13"},
		},
	}
	if err := s.StoreGlobalOverrides(ctx, want); err != nil {
		t.Fatalf("StoreGlobalOverrides: %v", err)
	}

	got, err := s.GlobalOverrides(ctx)
	if err != nil {
		t.Fatalf("GlobalOverrides: %v", err)
	}
	if len(got["main"]) != 2 {
		t.Fatalf("got %+v, want 2 overrides for main", got)
	}

	if err := s.StoreGlobalOverrides(ctx, map[string][]notifier.Override{}); err != nil {
		t.Fatalf("StoreGlobalOverrides: %v", err)
	}
	got, err = s.GlobalOverrides(ctx)
	if err != nil {
		t.Fatalf("GlobalOverrides: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("overrides not cleared: %+v", got)
	}
}

func TestLogDumps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sums := []notifier.ChannelSummary{
		{Channel: "hourly", StartTimestamp: 100, EndTimestamp: 110, UserCount: 5, NotifiedUserCount: 2, NotifiedPostCount: 7, NotifiedThreadCount: 3},
		{Channel: "daily", StartTimestamp: 200, EndTimestamp: 230, UserCount: 9, NotifiedUserCount: 4, NotifiedPostCount: 20, NotifiedThreadCount: 8, FailedUserCount: 1},
	}
	for _, sum := range sums {
		if err := s.StoreChannelSummary(ctx, sum); err != nil {
			t.Fatalf("StoreChannelSummary: %v", err)
		}
	}
	if err := s.StoreRunSummary(ctx, notifier.RunSummary{
		StartTimestamp: 100, EndTimestamp: 250, SiteCount: 2, UserCount: 9,
		DownloadedPostCount: 40, DownloadedThreadCount: 6,
	}); err != nil {
		t.Fatalf("StoreRunSummary: %v", err)
	}

	got, err := s.ChannelSummaries(ctx, 150)
	if err != nil {
		t.Fatalf("ChannelSummaries: %v", err)
	}
	if len(got) != 1 || got[0] != sums[1] {
		t.Errorf("ChannelSummaries(150) = %+v, want only the daily dump", got)
	}

	runs, err := s.RunSummaries(ctx, 0)
	if err != nil {
		t.Fatalf("RunSummaries: %v", err)
	}
	if len(runs) != 1 || runs[0].DownloadedPostCount != 40 {
		t.Errorf("RunSummaries = %+v", runs)
	}
}
