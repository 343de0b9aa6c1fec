package dispatch

import (
	"context"
	"fmt"
	"time"
)

// cleanupWindows bounds the deleted-post sweep to threads with activity in
// roughly one frequency period.
var cleanupWindows = map[string]time.Duration{
	"weekly":  7 * 24 * time.Hour,
	"monthly": 31 * 24 * time.Hour,
}

// clearDeletedPosts removes stored posts belonging to threads that no
// longer exist on their site. Only threads active within the frequency's
// window are checked; older threads cannot appear in a digest anyway.
// Per-thread failures are logged and skipped.
func (e *Engine) clearDeletedPosts(ctx context.Context, frequency string, now time.Time) error {
	window, ok := cleanupWindows[frequency]
	if !ok {
		return fmt.Errorf("no cleanup window for frequency %q", frequency)
	}

	threads, err := e.store.ThreadsWithPostsSince(ctx, now.Add(-window).Unix())
	if err != nil {
		return fmt.Errorf("find recent threads: %w", err)
	}

	sites, err := e.store.SupportedSites(ctx)
	if err != nil {
		return fmt.Errorf("load sites: %w", err)
	}
	sitesByID := make(map[string]int, len(sites))
	for i, site := range sites {
		sitesByID[site.ID] = i
	}

	deleted := 0
	for _, thread := range threads {
		i, ok := sitesByID[thread.SiteID]
		if !ok {
			// Site was removed from the supported list; its threads go too.
			e.logger.Info("Dropping thread on unsupported site",
				"thread", thread.ID, "site", thread.SiteID)
			if err := e.store.DeleteThread(ctx, thread.ID); err != nil {
				e.logger.Error("Failed to delete thread", "thread", thread.ID, "error", err)
			}
			continue
		}

		exists, err := e.forum.ThreadExists(ctx, sites[i], thread.ID)
		if err != nil {
			e.logger.Error("Failed to check thread existence",
				"thread", thread.ID, "site", thread.SiteID, "error", err)
			continue
		}
		if exists {
			continue
		}
		if err := e.store.DeleteThread(ctx, thread.ID); err != nil {
			e.logger.Error("Failed to delete thread", "thread", thread.ID, "error", err)
			continue
		}
		deleted++
	}

	e.logger.Info("Deleted-post cleanup finished",
		"frequency", frequency, "checked", len(threads), "deleted", deleted)
	return nil
}

// reconcileConfigPages is end-of-run housekeeping for broken user config
// pages: pages previously moved to the deletion category are removed for
// good, and pages found invalid this run are moved there.
func (e *Engine) reconcileConfigPages(ctx context.Context) {
	prepared, err := e.forum.PageSources(ctx, e.cfg.ConfigSite, e.cfg.DeletedCategory)
	if err != nil {
		e.logger.Error("Failed to list pages prepared for deletion", "error", err)
	} else {
		for _, page := range prepared {
			if err := e.forum.DeletePage(ctx, e.cfg.ConfigSite, page.Name); err != nil {
				e.logger.Error("Failed to delete prepared page", "page", page.Name, "error", err)
			}
		}
	}

	for _, page := range e.invalidPages {
		newName := e.cfg.DeletedCategory + ":" + pageSuffix(page)
		if err := e.forum.RenamePage(ctx, e.cfg.ConfigSite, page, newName); err != nil {
			e.logger.Error("Failed to rename invalid config page",
				"page", page, "new_name", newName, "error", err)
		}
	}
	e.invalidPages = nil
}
