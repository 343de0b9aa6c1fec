package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"forum-notifier/fallback"
	"forum-notifier/feeds"
	"forum-notifier/forum"
	"forum-notifier/pkg/notifier"
	"forum-notifier/schedule"
	"forum-notifier/storage"
)

// EngineStore is the full persistence surface the orchestrator needs,
// beyond what the per-user pipeline uses.
type EngineStore interface {
	Store
	SupportedSites(ctx context.Context) ([]notifier.Site, error)
	ReplaceSites(ctx context.Context, sites []notifier.Site) error
	StoreGlobalOverrides(ctx context.Context, overrides map[string][]notifier.Override) error
	UpsertUserConfig(ctx context.Context, user notifier.UserConfig) error
	FindNewThreads(ctx context.Context, threadIDs []string) ([]string, error)
	StoreThread(ctx context.Context, thread storage.Thread) error
	StorePosts(ctx context.Context, posts []notifier.Post) (int, error)
	WouldEmail(ctx context.Context, channels []string) (bool, error)
	StoreRunSummary(ctx context.Context, sum notifier.RunSummary) error
	ChannelSummaries(ctx context.Context, since int64) ([]notifier.ChannelSummary, error)
	RunSummaries(ctx context.Context, since int64) ([]notifier.RunSummary, error)
	ThreadsWithPostsSince(ctx context.Context, cutoff int64) ([]storage.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// EngineForum is the remote client surface the orchestrator needs.
type EngineForum interface {
	Forum
	Login(ctx context.Context, username, password string) error
	PageSources(ctx context.Context, site notifier.Site, category string) ([]forum.Page, error)
	Thread(ctx context.Context, site notifier.Site, threadID string) (forum.Thread, []notifier.Post, error)
	ThreadExists(ctx context.Context, site notifier.Site, threadID string) (bool, error)
	DeletePage(ctx context.Context, site notifier.Site, page string) error
	RenamePage(ctx context.Context, site notifier.Site, page, newName string) error
}

// FeedFetcher retrieves a site's new-post feed.
type FeedFetcher interface {
	NewPosts(ctx context.Context, site notifier.Site) ([]feeds.Ref, error)
}

// DumpUploader archives recent log dumps off-process.
type DumpUploader interface {
	UploadDumps(ctx context.Context, channels []notifier.ChannelSummary, runs []notifier.RunSummary, now time.Time) error
}

// Config carries the orchestrator's site layout, credentials and manual
// overrides.
type Config struct {
	ConfigSite       notifier.Site
	UserCategory     string
	SiteCategory     string
	OverrideCategory string
	DeletedCategory  string

	ForumUsername string
	ForumPassword string

	// ForceChannels activates the named channels regardless of the clock.
	ForceChannels []string
	// ForceInitialTimestamp overrides every user's window start.
	ForceInitialTimestamp int64
	// LimitSites restricts the new-post download to the named sites.
	LimitSites []string
}

// Engine is the run orchestrator.
type Engine struct {
	store    EngineStore
	forum    EngineForum
	feeds    FeedFetcher
	mail     Mailer
	digester DigestBuilder
	uploader DumpUploader
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	invalidPages []string
}

// NewEngine wires the orchestrator. mail may be nil when no email delivery
// is configured; the run aborts early if a user actually needs it.
func NewEngine(store EngineStore, remote EngineForum, fetcher FeedFetcher, mail Mailer,
	digester DigestBuilder, uploader DumpUploader, cfg Config, logger *slog.Logger,
) *Engine {
	return &Engine{
		store:    store,
		forum:    remote,
		feeds:    fetcher,
		mail:     mail,
		digester: digester,
		uploader: uploader,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// uploadSince bounds how much dump history each run re-uploads.
const uploadSince = 30 * 24 * time.Hour

// Run executes one full activation: refresh remote config, download new
// posts, notify every due channel, record summaries, then do maintenance.
// An empty set of due channels is a valid no-op run.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Checking active channels")
	channels := schedule.Select(e.logger, e.now(), e.cfg.ForceChannels)
	if len(channels) == 0 {
		e.logger.Info("No active channels; nothing to do")
		return nil
	}

	e.logger.Info("Getting remote config")
	if err := e.syncSites(ctx); err != nil {
		return fmt.Errorf("sync sites: %w", err)
	}
	if err := e.syncGlobalOverrides(ctx); err != nil {
		return fmt.Errorf("sync global overrides: %w", err)
	}

	e.logger.Info("Getting user config")
	userCount, err := e.syncUserConfigs(ctx)
	if err != nil {
		return fmt.Errorf("sync user configs: %w", err)
	}

	sites, err := e.store.SupportedSites(ctx)
	if err != nil {
		return fmt.Errorf("load supported sites: %w", err)
	}

	e.logger.Info("Getting new posts", "site_count", len(sites))
	postCount, threadCount, err := e.downloadNewPosts(ctx, sites)
	if err != nil {
		return fmt.Errorf("download new posts: %w", err)
	}

	// The window's upper bound for every channel in this run: snapshotted
	// right after the downloads so no post can slip between lookup windows.
	currentTimestamp := e.now().Unix()

	channelNames := make([]string, len(channels))
	for i, ch := range channels {
		channelNames[i] = ch.Name
	}
	wouldEmail, err := e.store.WouldEmail(ctx, channelNames)
	if err != nil {
		return fmt.Errorf("check for email users: %w", err)
	}
	if wouldEmail && e.mail == nil {
		return errors.New("users on active channels want email but no mail provider is configured")
	}

	if err := e.forum.Login(ctx, e.cfg.ForumUsername, e.cfg.ForumPassword); err != nil {
		return fmt.Errorf("log in to forum: %w", err)
	}

	e.logger.Info("Notifying", "channels", channelNames)
	pipeline := NewPipeline(e.store, e.forum, e.mail, e.digester,
		e.cfg.ConfigSite, e.cfg.UserCategory, e.cfg.ForceInitialTimestamp, e.logger)
	runner := NewRunner(pipeline, e.store, e.logger)
	for _, channel := range channels {
		if _, err := runner.RunChannel(ctx, channel.Name, currentTimestamp); err != nil {
			return fmt.Errorf("run channel %s: %w", channel.Name, err)
		}
	}

	e.logger.Info("Recording activation log dump")
	if err := e.store.StoreRunSummary(ctx, notifier.RunSummary{
		StartTimestamp:        currentTimestamp,
		EndTimestamp:          e.now().Unix(),
		SiteCount:             len(sites),
		UserCount:             userCount,
		DownloadedPostCount:   postCount,
		DownloadedThreadCount: threadCount,
	}); err != nil {
		return fmt.Errorf("store run summary: %w", err)
	}

	e.logger.Info("Uploading log dumps")
	if err := e.uploadDumps(ctx); err != nil {
		// Dumps are diagnostics; losing one upload is not worth failing a
		// run that already delivered.
		e.logger.Error("Failed to upload log dumps", "error", err)
	}

	e.logger.Info("Cleaning up")
	now := e.now()
	for _, frequency := range []string{"weekly", "monthly"} {
		ch, ok := schedule.ByName(frequency)
		if !ok || !schedule.WillBeNext(ch, now) {
			continue
		}
		e.logger.Info("Checking for deleted posts", "frequency", frequency)
		if err := e.clearDeletedPosts(ctx, frequency, now); err != nil {
			e.logger.Error("Deleted-post cleanup failed", "frequency", frequency, "error", err)
		}
	}

	e.logger.Info("Purging invalid user config pages")
	e.reconcileConfigPages(ctx)

	return nil
}

// downloadNewPosts walks every supported site's feed and downloads any
// thread with new activity. Returns stored post and newly seen thread
// counts. A site whose feed is down keeps serving cached posts.
func (e *Engine) downloadNewPosts(ctx context.Context, sites []notifier.Site) (postCount, threadCount int, err error) {
	for _, site := range sites {
		if len(e.cfg.LimitSites) > 0 && !slices.Contains(e.cfg.LimitSites, site.ID) {
			continue
		}

		err := fallback.Update(ctx, e.logger, "new posts for "+site.ID,
			func(ctx context.Context) (siteDownload, error) {
				return e.downloadSite(ctx, site)
			},
			func(ctx context.Context, dl siteDownload) error {
				stored, err := e.storeSiteDownload(ctx, dl)
				if err != nil {
					return err
				}
				postCount += stored
				threadCount += dl.newThreadCount
				return nil
			},
			func(dl siteDownload) bool { return len(dl.posts) == 0 },
			feeds.IsFetchError,
		)
		if err != nil {
			return postCount, threadCount, fmt.Errorf("site %s: %w", site.ID, err)
		}
	}
	return postCount, threadCount, nil
}

type siteDownload struct {
	threads        []forum.Thread
	posts          []notifier.Post
	newThreadCount int
}

func (e *Engine) downloadSite(ctx context.Context, site notifier.Site) (siteDownload, error) {
	refs, err := e.feeds.NewPosts(ctx, site)
	if err != nil {
		return siteDownload{}, err
	}

	var threadIDs []string
	seen := make(map[string]struct{})
	for _, ref := range refs {
		if _, dup := seen[ref.ThreadID]; dup {
			continue
		}
		seen[ref.ThreadID] = struct{}{}
		threadIDs = append(threadIDs, ref.ThreadID)
	}

	newThreads, err := e.store.FindNewThreads(ctx, threadIDs)
	if err != nil {
		return siteDownload{}, fmt.Errorf("find new threads: %w", err)
	}

	var dl siteDownload
	dl.newThreadCount = len(newThreads)
	for _, threadID := range threadIDs {
		meta, posts, err := e.forum.Thread(ctx, site, threadID)
		if err != nil {
			return siteDownload{}, fmt.Errorf("download thread %s: %w", threadID, err)
		}
		dl.threads = append(dl.threads, meta)
		dl.posts = append(dl.posts, posts...)
	}
	return dl, nil
}

func (e *Engine) storeSiteDownload(ctx context.Context, dl siteDownload) (int, error) {
	for _, thread := range dl.threads {
		if err := e.store.StoreThread(ctx, storage.Thread{
			ID:               thread.ID,
			SiteID:           thread.SiteID,
			CategoryID:       thread.CategoryID,
			Title:            thread.Title,
			CreatorUsername:  thread.CreatorUsername,
			CreatedTimestamp: thread.CreatedTimestamp,
		}); err != nil {
			return 0, err
		}
	}
	return e.store.StorePosts(ctx, dl.posts)
}

func (e *Engine) uploadDumps(ctx context.Context) error {
	if e.uploader == nil {
		e.logger.Debug("No dump uploader configured; skipping")
		return nil
	}
	since := e.now().Add(-uploadSince).Unix()
	channelDumps, err := e.store.ChannelSummaries(ctx, since)
	if err != nil {
		return fmt.Errorf("load channel summaries: %w", err)
	}
	runDumps, err := e.store.RunSummaries(ctx, since)
	if err != nil {
		return fmt.Errorf("load run summaries: %w", err)
	}
	return e.uploader.UploadDumps(ctx, channelDumps, runDumps, e.now())
}
