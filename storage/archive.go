package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"forum-notifier/pkg/notifier"
)

// Archive uploads run log dumps to Cloud Storage, or to a local directory
// when no bucket is configured.
type Archive struct {
	client    *gcs.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// NewArchive creates an archive backed by the given bucket. When localPath
// is non-empty the bucket is ignored and dumps are written to disk instead.
func NewArchive(client *gcs.Client, bucket, localPath string, logger *slog.Logger) *Archive {
	return &Archive{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// UploadDumps serializes recent channel and activation log dumps and stores
// them under a timestamped key.
func (a *Archive) UploadDumps(ctx context.Context, channels []notifier.ChannelSummary, runs []notifier.RunSummary, now time.Time) error {
	payload := struct {
		Channels []notifier.ChannelSummary `json:"channel_log_dumps"`
		Runs     []notifier.RunSummary     `json:"activation_log_dumps"`
	}{Channels: channels, Runs: runs}

	key := fmt.Sprintf("dumps/%s.json", now.UTC().Format("2006-01-02T15"))
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal log dumps: %w", err)
	}

	// Local filesystem storage
	if a.localPath != "" {
		filePath := filepath.Join(a.localPath, filepath.Base(key))
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		a.logger.Info("Log dumps saved to local storage", "path", filePath,
			"channel_dumps", len(channels), "run_dumps", len(runs))
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					a.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			a.logger.Info("Retrying dump upload after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("upload dumps after retries: %w", err)
	}

	a.logger.Info("Log dumps uploaded", "key", key,
		"channel_dumps", len(channels), "run_dumps", len(runs))
	return nil
}
