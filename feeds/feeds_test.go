package feeds

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"forum-notifier/pkg/notifier"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		guid    string
		want    Ref
		wantErr bool
	}{
		{
			name: "full permalink",
			guid: "http://main.example.com/forum/t-123456/some-thread-slug#post-789",
			want: Ref{ThreadID: "t-123456", PostID: "post-789"},
		},
		{
			name: "no slug",
			guid: "http://main.example.com/forum/t-42#post-7",
			want: Ref{ThreadID: "t-42", PostID: "post-7"},
		},
		{
			name:    "missing post fragment",
			guid:    "http://main.example.com/forum/t-123456/some-thread-slug",
			wantErr: true,
		},
		{
			name:    "missing thread segment",
			guid:    "http://main.example.com/forum/start#post-789",
			wantErr: true,
		},
		{
			name:    "empty thread ID",
			guid:    "http://main.example.com/forum/t-#post-789",
			wantErr: true,
		},
		{
			name:    "empty post ID",
			guid:    "http://main.example.com/forum/t-123456#post-",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRef(tc.guid)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseRef(%q) = %+v, want error", tc.guid, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRef(%q): %v", tc.guid, err)
			}
			if got != tc.want {
				t.Errorf("ParseRef(%q) = %+v, want %+v", tc.guid, got, tc.want)
			}
		})
	}
}

const feedTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>Recent posts</title>
%s
</channel>
</rss>`

func feedItem(guid string) string {
	return fmt.Sprintf("<item><title>Re: something</title><guid>%s</guid><link>%s</link></item>", guid, guid)
}

func TestNewPosts(t *testing.T) {
	body := fmt.Sprintf(feedTemplate, strings.Join([]string{
		feedItem("http://main.example.com/forum/t-100/first#post-1"),
		feedItem("http://main.example.com/forum/t-100/first#post-2"),
		feedItem("http://main.example.com/forum/t-200/second#post-3"),
		feedItem("http://main.example.com/forum/start"), // unparseable, dropped
	}, "\n"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/feed/%s.xml", srv.Client(), slog.New(slog.DiscardHandler))
	refs, err := f.NewPosts(context.Background(), notifier.Site{ID: "main", Secure: true})
	if err != nil {
		t.Fatalf("NewPosts: %v", err)
	}

	want := []Ref{
		{ThreadID: "t-100", PostID: "post-1"},
		{ThreadID: "t-100", PostID: "post-2"},
		{ThreadID: "t-200", PostID: "post-3"},
	}
	if len(refs) != len(want) {
		t.Fatalf("got %d refs, want %d: %+v", len(refs), len(want), refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref %d = %+v, want %+v", i, refs[i], want[i])
		}
	}
}

func TestNewPostsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/feed/%s.xml", srv.Client(), slog.New(slog.DiscardHandler))
	_, err := f.NewPosts(context.Background(), notifier.Site{ID: "main"})
	if err == nil {
		t.Fatal("NewPosts succeeded against a failing server")
	}
	if !IsFetchError(err) {
		t.Errorf("error %v is not a FetchError", err)
	}
}

func TestNewPostsBadXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "this is not a feed")
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL+"/feed/%s.xml", srv.Client(), slog.New(slog.DiscardHandler))
	_, err := f.NewPosts(context.Background(), notifier.Site{ID: "main"})
	if !IsFetchError(err) {
		t.Errorf("error %v is not a FetchError", err)
	}
}
