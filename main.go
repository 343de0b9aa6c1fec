// Package main runs the forum digest dispatcher: an hourly loop that
// downloads new forum posts, activates whichever notification channels are
// due, and delivers per-user digests by private message or email.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/jessevdk/go-flags"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"forum-notifier/digest"
	"forum-notifier/dispatch"
	"forum-notifier/email"
	"forum-notifier/feeds"
	"forum-notifier/forum"
	"forum-notifier/pkg/notifier"
	"forum-notifier/storage"
)

type options struct {
	DBPath string `long:"db" env:"NOTIFIER_DB" default:"./notifier.db" description:"SQLite database path"`

	ForumDomain  string `long:"domain" env:"FORUM_DOMAIN" default:"wikidot.com" description:"Apex domain of the site farm"`
	FeedEndpoint string `long:"feed-endpoint" env:"FEED_ENDPOINT" default:"http://%s.wikidot.com/feed/forum/posts.xml" description:"New-post feed URL template; %s is the site ID"`

	ConfigSite       string `long:"config-site" env:"CONFIG_SITE" default:"notifications" description:"Site holding the service's config pages"`
	UserCategory     string `long:"user-category" env:"USER_CATEGORY" default:"notify" description:"Page category of user config pages"`
	SiteCategory     string `long:"site-category" env:"SITE_CATEGORY" default:"site" description:"Page category of supported-site pages"`
	OverrideCategory string `long:"override-category" env:"OVERRIDE_CATEGORY" default:"override" description:"Page category of per-site override pages"`
	DeletedCategory  string `long:"deleted-category" env:"DELETED_CATEGORY" default:"deleted" description:"Page category invalid config pages are moved to"`

	ForumUsername string `long:"forum-username" env:"FORUM_USERNAME" required:"true" description:"Service account username"`
	ForumPassword string `long:"forum-password" env:"FORUM_PASSWORD" required:"true" description:"Service account password"`

	Mailer        string `long:"mailer" env:"MAILER" choice:"gmail" choice:"brevo" choice:"mock" description:"Email provider; omit to disable email delivery"`
	BrevoAPIKey   string `long:"brevo-api-key" env:"BREVO_API_KEY" description:"Brevo API key"`
	BrevoFrom     string `long:"brevo-from" env:"BREVO_FROM" description:"Brevo sender address"`
	BrevoFromName string `long:"brevo-from-name" env:"BREVO_FROM_NAME" default:"Forum Notifier" description:"Brevo sender display name"`

	DumpBucket string `long:"dump-bucket" env:"DUMP_BUCKET" description:"GCS bucket for log dump uploads"`
	LocalDumps string `long:"local-dumps" env:"LOCAL_DUMPS" description:"Local directory for log dumps instead of GCS"`

	Channels              []string `long:"channel" description:"Force-activate a channel regardless of the clock (repeatable)"`
	Sites                 []string `long:"site" description:"Limit the post download to a site (repeatable)"`
	ForceInitialTimestamp int64    `long:"force-initial-timestamp" description:"Override every user's window start (unix seconds)"`
	Once                  bool     `long:"once" description:"Run a single activation and exit"`
	Debug                 bool     `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("Dispatcher failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	store, err := storage.Open(opts.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	forumClient, err := forum.New(opts.ForumDomain, nil, logger)
	if err != nil {
		return fmt.Errorf("create forum client: %w", err)
	}

	mailer, err := buildMailer(ctx, opts, logger)
	if err != nil {
		return fmt.Errorf("configure mailer: %w", err)
	}

	uploader, err := buildUploader(ctx, opts, logger)
	if err != nil {
		return fmt.Errorf("configure dump uploads: %w", err)
	}

	engine := dispatch.NewEngine(
		store,
		forumClient,
		feeds.NewFetcher(opts.FeedEndpoint, nil, logger),
		mailer,
		digest.New(opts.ForumDomain),
		uploader,
		dispatch.Config{
			ConfigSite:            notifier.Site{ID: opts.ConfigSite, Secure: true},
			UserCategory:          opts.UserCategory,
			SiteCategory:          opts.SiteCategory,
			OverrideCategory:      opts.OverrideCategory,
			DeletedCategory:       opts.DeletedCategory,
			ForumUsername:         opts.ForumUsername,
			ForumPassword:         opts.ForumPassword,
			ForceChannels:         opts.Channels,
			ForceInitialTimestamp: opts.ForceInitialTimestamp,
			LimitSites:            opts.Sites,
		},
		logger,
	)

	if opts.Once {
		return engine.Run(ctx)
	}

	logger.Info("Starting dispatcher loop")
	for {
		if err := sleepUntilNextHour(ctx); err != nil {
			logger.Info("Shutting down")
			return nil
		}
		if err := engine.Run(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Info("Shutting down")
				return nil
			}
			// One failed activation is retried on the next hour.
			logger.Error("Activation failed", "error", err)
		}
	}
}

// sleepUntilNextHour blocks until the top of the next hour, when channel
// crontabs are evaluated.
func sleepUntilNextHour(ctx context.Context) error {
	next := time.Now().Truncate(time.Hour).Add(time.Hour)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func buildMailer(ctx context.Context, opts options, logger *slog.Logger) (dispatch.Mailer, error) {
	switch opts.Mailer {
	case "":
		logger.Info("No mailer configured; email delivery disabled")
		return nil, nil
	case "gmail":
		service, err := initGmailService(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gmail service: %w", err)
		}
		return email.NewGmailProvider(service, logger), nil
	case "brevo":
		if opts.BrevoAPIKey == "" || opts.BrevoFrom == "" {
			return nil, errors.New("brevo mailer needs --brevo-api-key and --brevo-from")
		}
		return email.NewBrevoProvider(opts.BrevoAPIKey, opts.BrevoFrom, opts.BrevoFromName, logger), nil
	case "mock":
		return email.NewMockProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown mailer %q", opts.Mailer)
	}
}

func buildUploader(ctx context.Context, opts options, logger *slog.Logger) (dispatch.DumpUploader, error) {
	switch {
	case opts.LocalDumps != "":
		if err := os.MkdirAll(opts.LocalDumps, 0o755); err != nil {
			return nil, fmt.Errorf("create dump directory: %w", err)
		}
		logger.Info("Writing log dumps locally", "path", opts.LocalDumps)
		return storage.NewArchive(nil, "", opts.LocalDumps, logger), nil
	case opts.DumpBucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return storage.NewArchive(client, opts.DumpBucket, "", logger), nil
	default:
		logger.Info("No dump destination configured; uploads disabled")
		return nil, nil
	}
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Fall back to Application Default Credentials; the account needs the
	// gmail.send scope.
	return gmail.NewService(ctx)
}
