package dispatch

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"forum-notifier/fallback"
	"forum-notifier/forum"
	"forum-notifier/pkg/notifier"
	"forum-notifier/schedule"
)

// Remote config lives as pages on the config site, one category per kind.
// Page sources are YAML documents maintained by site staff and users.

type userConfigPage struct {
	Username        string     `yaml:"username"`
	Frequency       string     `yaml:"frequency"`
	Delivery        string     `yaml:"delivery"`
	Subscriptions   []subEntry `yaml:"subscriptions"`
	Unsubscriptions []subEntry `yaml:"unsubscriptions"`
}

type subEntry struct {
	Thread string `yaml:"thread"`
	Post   string `yaml:"post"`
}

// syncSites refreshes the supported-site list from the config site. A
// remote failure keeps the previously cached list.
func (e *Engine) syncSites(ctx context.Context) error {
	return fallback.Update(ctx, e.logger, "supported sites",
		func(ctx context.Context) ([]notifier.Site, error) {
			pages, err := e.forum.PageSources(ctx, e.cfg.ConfigSite, e.cfg.SiteCategory)
			if err != nil {
				return nil, err
			}
			var sites []notifier.Site
			for _, page := range pages {
				var site notifier.Site
				if err := yaml.Unmarshal([]byte(page.Source), &site); err != nil || site.ID == "" {
					e.logger.Warn("Skipping malformed site page", "page", page.Name, "error", err)
					continue
				}
				sites = append(sites, site)
			}
			return sites, nil
		},
		e.store.ReplaceSites,
		func(sites []notifier.Site) bool { return len(sites) == 0 },
		isRemoteFailure,
	)
}

// syncGlobalOverrides refreshes the per-site override lists. Override pages
// are named for the site they apply to.
func (e *Engine) syncGlobalOverrides(ctx context.Context) error {
	return fallback.Update(ctx, e.logger, "global overrides",
		func(ctx context.Context) (map[string][]notifier.Override, error) {
			pages, err := e.forum.PageSources(ctx, e.cfg.ConfigSite, e.cfg.OverrideCategory)
			if err != nil {
				return nil, err
			}
			overrides := make(map[string][]notifier.Override)
			for _, page := range pages {
				siteID := pageSuffix(page.Name)
				var list []notifier.Override
				if err := yaml.Unmarshal([]byte(page.Source), &list); err != nil {
					e.logger.Warn("Skipping malformed override page", "page", page.Name, "error", err)
					continue
				}
				overrides[siteID] = list
			}
			return overrides, nil
		},
		e.store.StoreGlobalOverrides,
		func(overrides map[string][]notifier.Override) bool { return overrides == nil },
		isRemoteFailure,
	)
}

// syncUserConfigs refreshes every user's cached config from their config
// page. Returns the number of valid users; pages that fail to parse are
// remembered for the end-of-run reconciliation sweep.
func (e *Engine) syncUserConfigs(ctx context.Context) (int, error) {
	count := 0
	err := fallback.Update(ctx, e.logger, "user configs",
		func(ctx context.Context) ([]notifier.UserConfig, error) {
			pages, err := e.forum.PageSources(ctx, e.cfg.ConfigSite, e.cfg.UserCategory)
			if err != nil {
				return nil, err
			}
			var users []notifier.UserConfig
			for _, page := range pages {
				user, err := parseUserConfigPage(page)
				if err != nil {
					e.logger.Warn("Found invalid user config page", "page", page.Name, "error", err)
					e.invalidPages = append(e.invalidPages, page.Name)
					continue
				}
				users = append(users, user)
			}
			return users, nil
		},
		func(ctx context.Context, users []notifier.UserConfig) error {
			for _, user := range users {
				if err := e.store.UpsertUserConfig(ctx, user); err != nil {
					return err
				}
			}
			count = len(users)
			return nil
		},
		func(users []notifier.UserConfig) bool { return users == nil },
		isRemoteFailure,
	)
	return count, err
}

func parseUserConfigPage(page forum.Page) (notifier.UserConfig, error) {
	userID := pageSuffix(page.Name)
	if userID == "" {
		return notifier.UserConfig{}, fmt.Errorf("page %q has no user ID", page.Name)
	}

	var parsed userConfigPage
	if err := yaml.Unmarshal([]byte(page.Source), &parsed); err != nil {
		return notifier.UserConfig{}, fmt.Errorf("parse page %q: %w", page.Name, err)
	}
	if parsed.Username == "" {
		return notifier.UserConfig{}, fmt.Errorf("page %q has no username", page.Name)
	}
	if _, ok := schedule.ByName(parsed.Frequency); !ok {
		return notifier.UserConfig{}, fmt.Errorf("page %q has unknown frequency %q", page.Name, parsed.Frequency)
	}
	if parsed.Delivery != notifier.DeliveryPM && parsed.Delivery != notifier.DeliveryEmail {
		return notifier.UserConfig{}, fmt.Errorf("page %q has unknown delivery %q", page.Name, parsed.Delivery)
	}

	user := notifier.UserConfig{
		UserID:    userID,
		Username:  parsed.Username,
		Frequency: parsed.Frequency,
		Delivery:  parsed.Delivery,
		Tags:      page.Tags,
	}
	for _, sub := range parsed.Subscriptions {
		if sub.Thread == "" {
			continue
		}
		user.ManualSubs = append(user.ManualSubs, notifier.Subscription{
			ThreadID: sub.Thread, PostID: sub.Post, Direction: 1,
		})
	}
	for _, sub := range parsed.Unsubscriptions {
		if sub.Thread == "" {
			continue
		}
		user.ManualSubs = append(user.ManualSubs, notifier.Subscription{
			ThreadID: sub.Thread, PostID: sub.Post, Direction: -1,
		})
	}
	return user, nil
}

// pageSuffix returns the part of a full page name after the category
// prefix, or the whole name for uncategorized pages.
func pageSuffix(name string) string {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// isRemoteFailure classifies errors that should fall back to cached state
// rather than abort the run: anything the forum answered abnormally with,
// and plain transport failures. Parse and storage errors never reach here.
func isRemoteFailure(err error) bool {
	return err != nil
}
