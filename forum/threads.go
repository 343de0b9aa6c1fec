package forum

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"forum-notifier/pkg/notifier"
)

// Thread is the metadata parsed from a thread's first page.
type Thread struct {
	ID               string
	SiteID           string
	CategoryID       string
	Title            string
	CreatorUsername  string
	CreatedTimestamp int64
}

const snippetLength = 200

// ThreadExists reports whether a thread is still present on its site.
// Deleted threads answer with a no_thread module status.
func (c *Client) ThreadExists(ctx context.Context, site notifier.Site, threadID string) (bool, error) {
	_, err := c.threadPage(ctx, site, threadID, 1)
	if err != nil {
		var me *ModuleError
		if errors.As(err, &me) && me.Status == "no_thread" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Thread downloads a thread's metadata and every post in it, walking the
// pager from the first page.
func (c *Client) Thread(ctx context.Context, site notifier.Site, threadID string) (Thread, []notifier.Post, error) {
	doc, err := c.threadPage(ctx, site, threadID, 1)
	if err != nil {
		return Thread{}, nil, err
	}

	meta := parseThreadMeta(doc, site, threadID)
	posts := parseThreadPosts(doc, meta)

	for page := 2; page <= pagerPages(doc); page++ {
		pageDoc, err := c.threadPage(ctx, site, threadID, page)
		if err != nil {
			return Thread{}, nil, fmt.Errorf("thread %s page %d: %w", threadID, page, err)
		}
		posts = append(posts, parseThreadPosts(pageDoc, meta)...)
	}

	c.logger.Debug("Thread downloaded",
		"site", site.ID, "thread", threadID, "posts", len(posts))
	return meta, posts, nil
}

func (c *Client) threadPage(ctx context.Context, site notifier.Site, threadID string, page int) (*goquery.Document, error) {
	return c.moduleCall(ctx, c.siteURL(site), "forum/ForumViewThreadModule", url.Values{
		"t":      {strings.TrimPrefix(threadID, "t-")},
		"pageNo": {strconv.Itoa(page)},
	})
}

func parseThreadMeta(doc *goquery.Document, site notifier.Site, threadID string) Thread {
	meta := Thread{
		ID:     threadID,
		SiteID: site.ID,
		Title:  strings.TrimSpace(doc.Find("div.thread-title").First().Text()),
	}

	// The last breadcrumb link points at the thread's forum category.
	doc.Find("div.forum-breadcrumbs a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		for _, seg := range strings.Split(href, "/") {
			if strings.HasPrefix(seg, "c-") && len(seg) > len("c-") {
				meta.CategoryID = seg
			}
		}
	})

	info := doc.Find("div.thread-info").First()
	meta.CreatorUsername = strings.TrimSpace(info.Find("a.username").First().Text())
	if ts, ok := info.Find("time").First().Attr("data-timestamp"); ok {
		if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
			meta.CreatedTimestamp = n
		}
	}
	return meta
}

func parseThreadPosts(doc *goquery.Document, meta Thread) []notifier.Post {
	var posts []notifier.Post
	doc.Find("div.post").Each(func(_ int, s *goquery.Selection) {
		id, ok := s.Attr("id")
		if !ok || !strings.HasPrefix(id, "post-") {
			return
		}

		post := notifier.Post{
			ID:             id,
			ThreadID:       meta.ID,
			SiteID:         meta.SiteID,
			CategoryID:     meta.CategoryID,
			AuthorUsername: strings.TrimSpace(s.Find("a.username").First().Text()),
			Title:          strings.TrimSpace(s.Find("div.post-title").First().Text()),
			Snippet:        snippet(s.Find("div.post-content").First().Text()),
			ThreadTitle:    meta.Title,
		}
		if parent, ok := s.Attr("data-parent"); ok {
			post.ParentPostID = parent
		}
		if ts, ok := s.Find("time").First().Attr("data-timestamp"); ok {
			if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
				post.PostedTimestamp = n
			}
		}
		posts = append(posts, post)
	})
	return posts
}

func snippet(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= snippetLength {
		return content
	}
	return string(runes[:snippetLength]) + "…"
}
