// Package feeds retrieves the new-post RSS feed that every forum site
// exposes. The feed is only a change signal: it yields thread and post IDs,
// and the forum client downloads anything not yet in storage.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/mmcdole/gofeed"

	"forum-notifier/pkg/notifier"
)

// Ref identifies one post seen in a feed.
type Ref struct {
	ThreadID string
	PostID   string
}

// FetchError wraps any failure to retrieve or parse a site's feed. Feed
// outages are expected and recoverable: callers fall back to already-stored
// posts instead of aborting the run.
type FetchError struct {
	Site string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch feed for site %s: %v", e.Site, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is a feed retrieval failure.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Fetcher downloads and parses per-site post feeds.
type Fetcher struct {
	client   *http.Client
	parser   *gofeed.Parser
	logger   *slog.Logger
	endpoint string // template with one %s verb for the site ID
}

// NewFetcher creates a fetcher. The endpoint is a template like
// "http://%s.example.com/feed/forum/posts.xml"; plain HTTP is deliberate,
// the feed endpoint serves both secure and insecure sites that way.
func NewFetcher(endpoint string, client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{
		client:   client,
		parser:   gofeed.NewParser(),
		logger:   logger,
		endpoint: endpoint,
	}
}

// NewPosts returns the feed's post references for one site, newest last.
// Entries whose GUID cannot be parsed are logged and dropped rather than
// failing the whole feed.
func (f *Fetcher) NewPosts(ctx context.Context, site notifier.Site) ([]Ref, error) {
	feedURL := fmt.Sprintf(f.endpoint, site.ID)

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build feed request: %w", err))
			}
			resp, err := f.client.Do(req)
			if err != nil {
				return fmt.Errorf("get feed: %w", err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					f.logger.Warn("Failed to close feed body", "error", closeErr)
				}
			}()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("feed returned status %d", resp.StatusCode)
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read feed body: %w", err)
			}
			body = data
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			f.logger.Info("Retrying feed fetch after error", "attempt", n, "site", site.ID, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, &FetchError{Site: site.ID, Err: err}
	}

	feed, err := f.parser.ParseString(string(body))
	if err != nil {
		return nil, &FetchError{Site: site.ID, Err: fmt.Errorf("parse feed: %w", err)}
	}

	refs := make([]Ref, 0, len(feed.Items))
	for _, item := range feed.Items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		ref, err := ParseRef(guid)
		if err != nil {
			f.logger.Warn("Skipping feed entry with unparseable GUID",
				"site", site.ID, "guid", guid, "error", err)
			continue
		}
		refs = append(refs, ref)
	}
	f.logger.Debug("Fetched post feed", "site", site.ID, "entries", len(refs))
	return refs, nil
}

// ParseRef extracts the thread and post IDs from a feed entry GUID, which
// is a post permalink like "http://site.example.com/forum/t-123456/a-slug#post-789".
func ParseRef(guid string) (Ref, error) {
	u, err := url.Parse(guid)
	if err != nil {
		return Ref{}, fmt.Errorf("parse GUID %q: %w", guid, err)
	}

	var threadID string
	for _, seg := range strings.Split(u.Path, "/") {
		if strings.HasPrefix(seg, "t-") && len(seg) > len("t-") {
			threadID = seg
			break
		}
	}
	if threadID == "" {
		return Ref{}, fmt.Errorf("no thread ID in GUID %q", guid)
	}
	if !strings.HasPrefix(u.Fragment, "post-") || len(u.Fragment) == len("post-") {
		return Ref{}, fmt.Errorf("no post ID in GUID %q", guid)
	}
	return Ref{ThreadID: threadID, PostID: u.Fragment}, nil
}
