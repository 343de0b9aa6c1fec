// Package fallback wraps unreliable retrievals so that an expected upstream
// failure leaves previously cached data in place instead of aborting a run.
package fallback

import (
	"context"
	"log/slog"
)

// Update fetches a value and hands it to store so it can be read back later
// even if a future fetch fails.
//
// If fetch fails with an error that recoverable reports true for, the error
// is logged and swallowed and store is not called: whatever an earlier
// successful update cached stays readable. Any other error propagates, so
// programming errors are never masked. If nothingNew reports true for a
// successful result, the result is treated as "no new data" and store is
// skipped.
//
// Only use this where stale data is acceptable, such as per-site new-post
// lists. Writes that must succeed should not go through here.
func Update[T any](
	ctx context.Context,
	logger *slog.Logger,
	name string,
	fetch func(context.Context) (T, error),
	store func(context.Context, T) error,
	nothingNew func(T) bool,
	recoverable func(error) bool,
) error {
	value, err := fetch(ctx)
	if err != nil {
		if recoverable != nil && recoverable(err) {
			logger.Error("Fetch failed; keeping cached value", "name", name, "error", err)
			return nil
		}
		return err
	}
	if nothingNew != nil && nothingNew(value) {
		logger.Debug("Fetch returned nothing new; cache untouched", "name", name)
		return nil
	}
	return store(ctx, value)
}
