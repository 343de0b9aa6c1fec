// Package digest composes notification subjects and bodies. Composition is
// pure: the same user, channel and batch always produce the same message.
package digest

import (
	"fmt"
	"strings"
	"time"

	"forum-notifier/pkg/notifier"
)

// Digester formats digests for one forum farm.
type Digester struct {
	domain string
}

// New creates a digester producing links under the given apex domain.
func New(domain string) *Digester {
	return &Digester{domain: domain}
}

// ForUser builds the subject and HTML body for one user's digest.
func (d *Digester) ForUser(user notifier.UserConfig, channel string, batch notifier.PostBatch) (subject, body string) {
	subject = fmt.Sprintf("Your %s digest: %s in %s",
		channel,
		plural(batch.Count(), "new post"),
		plural(batch.ThreadCount(), "thread"))
	return subject, d.formatBody(user, batch)
}

func (d *Digester) formatBody(user notifier.UserConfig, batch notifier.PostBatch) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString("h2 { border-bottom: 2px solid #2980b9; padding-bottom: 6px; }\n")
	b.WriteString("h3 { margin-bottom: 4px; }\n")
	b.WriteString(".post { margin-bottom: 20px; padding-left: 12px; border-left: 3px solid #ecf0f1; }\n")
	b.WriteString(".meta { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".author { color: #2980b9; font-weight: 600; }\n")
	b.WriteString(".snippet { margin: 6px 0; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #2980b9; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<p>Hi %s, here is what happened since your last digest.</p>\n",
		escapeHTML(user.Username)))

	d.writeSection(&b, "Replies to your posts", batch.PostReplies)
	d.writeSection(&b, "New posts in your threads", batch.ThreadPosts)

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString("<p>You receive these digests because of your notification settings. Edit your settings page to change frequency or unsubscribe.</p>\n")
	b.WriteString("</div>\n")
	b.WriteString("</body>\n</html>")

	return b.String()
}

// writeSection renders one post collection grouped by thread, preserving
// post order within each thread.
func (d *Digester) writeSection(b *strings.Builder, heading string, posts []notifier.Post) {
	if len(posts) == 0 {
		return
	}

	byThread := make(map[string][]notifier.Post)
	var order []string
	for _, p := range posts {
		if _, seen := byThread[p.ThreadID]; !seen {
			order = append(order, p.ThreadID)
		}
		byThread[p.ThreadID] = append(byThread[p.ThreadID], p)
	}

	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(heading)))
	for _, threadID := range order {
		group := byThread[threadID]
		title := group[0].ThreadTitle
		if title == "" {
			title = threadID
		}
		b.WriteString(fmt.Sprintf("<h3><a href=\"%s\">%s</a></h3>\n",
			escapeHTML(d.threadURL(group[0])), escapeHTML(title)))

		for _, p := range group {
			b.WriteString("<div class=\"post\">\n")
			b.WriteString("<div class=\"meta\">\n")
			b.WriteString(fmt.Sprintf("<span class=\"author\">%s</span>\n", escapeHTML(p.AuthorUsername)))
			if p.PostedTimestamp > 0 {
				ts := time.Unix(p.PostedTimestamp, 0).UTC()
				b.WriteString(fmt.Sprintf("<span> &bull; %s UTC</span>\n", ts.Format("Jan 2, 2006 at 3:04 PM")))
			}
			b.WriteString("</div>\n")
			if p.Title != "" {
				b.WriteString(fmt.Sprintf("<div><strong>%s</strong></div>\n", escapeHTML(p.Title)))
			}
			b.WriteString(fmt.Sprintf("<div class=\"snippet\">%s</div>\n", escapeHTML(p.Snippet)))
			b.WriteString(fmt.Sprintf("<a href=\"%s\">View post</a>\n", escapeHTML(d.postURL(p))))
			b.WriteString("</div>\n")
		}
	}
}

// postURL builds a permalink to one post. Plain HTTP works for every site
// on the farm; secure sites redirect to HTTPS themselves.
func (d *Digester) postURL(p notifier.Post) string {
	return fmt.Sprintf("http://%s.%s/forum/%s#%s", p.SiteID, d.domain, p.ThreadID, p.ID)
}

func (d *Digester) threadURL(p notifier.Post) string {
	return fmt.Sprintf("http://%s.%s/forum/%s", p.SiteID, d.domain, p.ThreadID)
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
