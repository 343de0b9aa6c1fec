package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"forum-notifier/pkg/notifier"
)

func newTestRunner(store *fakeStore, f *fakeForum, m Mailer) *Runner {
	logger := slog.New(slog.DiscardHandler)
	r := NewRunner(newTestPipeline(store, f, m, 0), store, logger)
	r.now = func() time.Time { return time.Unix(10_000, 0) }
	return r
}

func TestRunChannelCountsAndSummary(t *testing.T) {
	store := newFakeStore()
	f := newFakeForum()

	// Five daily users: 1, 2 and 4 have posts, 3 blows up in storage,
	// 5 has nothing new.
	for i := 1; i <= 5; i++ {
		u := pmUser(fmt.Sprintf("u%d", i), fmt.Sprintf("user%d", i), 100)
		store.users = append(store.users, u)
	}
	store.batches["u1"] = twoPostBatch()
	store.batches["u2"] = notifier.PostBatch{
		PostReplies: []notifier.Post{
			{ID: "post-9", ThreadID: "t-9", SiteID: "main", PostedTimestamp: 150},
		},
	}
	store.batchErrs["u3"] = errors.New("disk on fire")
	store.batches["u4"] = twoPostBatch()

	r := newTestRunner(store, f, &fakeMailer{})
	summary, err := r.RunChannel(context.Background(), "daily", 200)
	if err != nil {
		t.Fatalf("RunChannel: %v", err)
	}

	want := notifier.ChannelSummary{
		Channel:             "daily",
		StartTimestamp:      10_000,
		EndTimestamp:        10_000,
		UserCount:           5,
		NotifiedUserCount:   3,
		NotifiedPostCount:   5,
		NotifiedThreadCount: 3,
		FailedUserCount:     1,
	}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
	if len(store.summaries) != 1 || store.summaries[0] != want {
		t.Errorf("stored summaries = %+v", store.summaries)
	}
	// The failing user's watermark stayed put; the others moved.
	if _, touched := store.watermarks["u3"]; touched {
		t.Error("failed user's watermark advanced")
	}
	if len(f.pms) != 3 {
		t.Errorf("pms = %+v", f.pms)
	}
}

func TestRunChannelMailAuthFailure(t *testing.T) {
	store := newFakeStore()
	f := newFakeForum()
	f.contacts["user1"] = "user1@example.net"
	f.contacts["user2"] = "user2@example.net"

	for i := 1; i <= 2; i++ {
		u := pmUser(fmt.Sprintf("u%d", i), fmt.Sprintf("user%d", i), 100)
		u.Delivery = notifier.DeliveryEmail
		store.users = append(store.users, u)
		store.batches[u.UserID] = twoPostBatch()
	}

	r := newTestRunner(store, f, &fakeMailer{authErr: true})
	summary, err := r.RunChannel(context.Background(), "daily", 200)
	if err != nil {
		t.Fatalf("RunChannel: %v", err)
	}
	// Both users fail but the channel still completes and records a summary.
	if summary.FailedUserCount != 2 || summary.NotifiedUserCount != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(store.watermarks) != 0 {
		t.Errorf("watermarks advanced despite failed sends: %+v", store.watermarks)
	}
}

func TestRunChannelCancelled(t *testing.T) {
	store := newFakeStore()
	store.users = []notifier.UserConfig{pmUser("u1", "user1", 100)}
	store.batches["u1"] = twoPostBatch()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRunner(store, newFakeForum(), &fakeMailer{})
	if _, err := r.RunChannel(ctx, "daily", 200); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(store.summaries) != 0 {
		t.Errorf("summary stored for an interrupted run: %+v", store.summaries)
	}
}
