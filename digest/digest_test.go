package digest

import (
	"strings"
	"testing"

	"forum-notifier/pkg/notifier"
)

func testBatch() notifier.PostBatch {
	return notifier.PostBatch{
		ThreadPosts: []notifier.Post{
			{ID: "post-1", ThreadID: "t-10", SiteID: "main", AuthorUsername: "bob",
				PostedTimestamp: 1700000000, Snippet: "First snippet", ThreadTitle: "Thread ten"},
			{ID: "post-2", ThreadID: "t-10", SiteID: "main", AuthorUsername: "carol",
				PostedTimestamp: 1700000100, Snippet: "Second snippet", ThreadTitle: "Thread ten"},
		},
		PostReplies: []notifier.Post{
			{ID: "post-3", ThreadID: "t-20", SiteID: "main", AuthorUsername: "dave",
				PostedTimestamp: 1700000200, Title: "Re: hello", Snippet: "A reply", ThreadTitle: "Thread twenty"},
		},
	}
}

func TestForUserSubject(t *testing.T) {
	d := New("example.com")
	user := notifier.UserConfig{Username: "alice"}

	subject, _ := d.ForUser(user, "daily", testBatch())
	want := "Your daily digest: 3 new posts in 2 threads"
	if subject != want {
		t.Errorf("subject = %q, want %q", subject, want)
	}

	single := notifier.PostBatch{PostReplies: testBatch().PostReplies}
	subject, _ = d.ForUser(user, "hourly", single)
	want = "Your hourly digest: 1 new post in 1 thread"
	if subject != want {
		t.Errorf("subject = %q, want %q", subject, want)
	}
}

func TestForUserBody(t *testing.T) {
	d := New("example.com")
	user := notifier.UserConfig{Username: "alice"}

	_, body := d.ForUser(user, "daily", testBatch())

	for _, want := range []string{
		"Hi alice",
		"Replies to your posts",
		"New posts in your threads",
		"Thread ten",
		"Thread twenty",
		"http://main.example.com/forum/t-10#post-1",
		"http://main.example.com/forum/t-20#post-3",
		"First snippet",
		"Re: hello",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}

	// Replies come before thread posts.
	if strings.Index(body, "Replies to your posts") > strings.Index(body, "New posts in your threads") {
		t.Error("sections out of order")
	}
}

func TestForUserBodyOmitsEmptySections(t *testing.T) {
	d := New("example.com")
	user := notifier.UserConfig{Username: "alice"}

	_, body := d.ForUser(user, "daily", notifier.PostBatch{ThreadPosts: testBatch().ThreadPosts})
	if strings.Contains(body, "Replies to your posts") {
		t.Error("empty reply section rendered")
	}
}

func TestBodyEscapesUserContent(t *testing.T) {
	d := New("example.com")
	user := notifier.UserConfig{Username: "<script>alert(1)</script>"}
	batch := notifier.PostBatch{
		ThreadPosts: []notifier.Post{
			{ID: "post-1", ThreadID: "t-1", SiteID: "main", AuthorUsername: "bob",
				Snippet: `<img src=x onerror=alert(1)>`, ThreadTitle: "a & b"},
		},
	}

	_, body := d.ForUser(user, "daily", batch)
	if strings.Contains(body, "<script>") || strings.Contains(body, "<img src=x") {
		t.Error("unescaped user content in body")
	}
	if !strings.Contains(body, "a &amp; b") {
		t.Error("thread title not escaped")
	}
}
