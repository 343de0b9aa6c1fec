package forum

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"forum-notifier/pkg/notifier"
)

// Page is one page in a config category: its full name
// ("category:name"), its raw source, and its space-separated tag string.
type Page struct {
	Name   string
	Source string
	Tags   string
}

// PageSources returns every page in a category with its source and tags.
// Config pages for users and sites live in dedicated categories.
func (c *Client) PageSources(ctx context.Context, site notifier.Site, category string) ([]Page, error) {
	pages, err := c.listPages(ctx, site, category)
	if err != nil {
		return nil, err
	}

	for i := range pages {
		src, err := c.PageSource(ctx, site, pages[i].Name)
		if err != nil {
			return nil, fmt.Errorf("source of %s: %w", pages[i].Name, err)
		}
		pages[i].Source = src
	}

	c.logger.Debug("Fetched category sources",
		"site", site.ID, "category", category, "pages", len(pages))
	return pages, nil
}

func (c *Client) listPages(ctx context.Context, site notifier.Site, category string) ([]Page, error) {
	var pages []Page
	pageNo := 1
	for {
		doc, err := c.moduleCall(ctx, c.siteURL(site), "list/ListPagesModule", url.Values{
			"category": {category},
			"perPage":  {"250"},
			"pageNo":   {strconv.Itoa(pageNo)},
		})
		if err != nil {
			return nil, fmt.Errorf("list category %s: %w", category, err)
		}

		doc.Find("div.list-pages-item").Each(func(_ int, s *goquery.Selection) {
			name := strings.TrimSpace(s.Find("a").First().Text())
			if name == "" {
				return
			}
			tags, _ := s.Attr("data-tags")
			pages = append(pages, Page{Name: name, Tags: strings.TrimSpace(tags)})
		})

		if pageNo >= pagerPages(doc) {
			return pages, nil
		}
		pageNo++
	}
}

// PageSource fetches one page's raw source.
func (c *Client) PageSource(ctx context.Context, site notifier.Site, page string) (string, error) {
	doc, err := c.moduleCall(ctx, c.siteURL(site), "viewsource/ViewSourceModule", url.Values{
		"page": {page},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Find("div.page-source").First().Text()), nil
}

// SetTags replaces the tag string on a page. Tags are space-separated.
func (c *Client) SetTags(ctx context.Context, site notifier.Site, page, tags string) error {
	if _, err := c.moduleCall(ctx, c.siteURL(site), "page/PageTagsModule", url.Values{
		"page": {page},
		"tags": {tags},
	}); err != nil {
		return fmt.Errorf("set tags on %s: %w", page, err)
	}
	c.logger.Info("Updated page tags", "site", site.ID, "page", page, "tags", tags)
	return nil
}

// DeletePage removes a page outright.
func (c *Client) DeletePage(ctx context.Context, site notifier.Site, page string) error {
	if _, err := c.moduleCall(ctx, c.siteURL(site), "page/PageDeleteModule", url.Values{
		"page": {page},
	}); err != nil {
		return fmt.Errorf("delete page %s: %w", page, err)
	}
	c.logger.Info("Deleted page", "site", site.ID, "page", page)
	return nil
}

// RenamePage moves a page to a new full name, category prefix included.
func (c *Client) RenamePage(ctx context.Context, site notifier.Site, page, newName string) error {
	if _, err := c.moduleCall(ctx, c.siteURL(site), "page/PageRenameModule", url.Values{
		"page":     {page},
		"new_name": {newName},
	}); err != nil {
		return fmt.Errorf("rename page %s to %s: %w", page, newName, err)
	}
	c.logger.Info("Renamed page", "site", site.ID, "page", page, "new_name", newName)
	return nil
}

// Contacts returns the logged-in account's back-contacts: users who added
// the service account as a contact, and thereby shared an email address it
// may send to. Keyed by username.
func (c *Client) Contacts(ctx context.Context) (map[string]string, error) {
	doc, err := c.moduleCall(ctx, c.portalURL(), "contacts/ContactsModule", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("fetch contacts: %w", err)
	}

	contacts := make(map[string]string)
	doc.Find("table.contacts tr").Each(func(_ int, s *goquery.Selection) {
		username := strings.TrimSpace(s.Find("a.username").First().Text())
		address := strings.TrimSpace(s.Find("td.address").First().Text())
		if username != "" && address != "" {
			contacts[username] = address
		}
	})

	c.logger.Debug("Fetched back-contacts", "count", len(contacts))
	return contacts, nil
}
