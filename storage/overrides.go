package storage

import (
	"context"
	"fmt"

	"forum-notifier/pkg/notifier"
)

// GlobalOverrides returns the stored per-site override lists, keyed by
// site ID.
func (s *Store) GlobalOverrides(ctx context.Context) (map[string][]notifier.Override, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT site_id, action, category_id, thread_id FROM global_overrides`)
	if err != nil {
		return nil, fmt.Errorf("query global overrides: %w", err)
	}
	defer rows.Close()

	overrides := make(map[string][]notifier.Override)
	for rows.Next() {
		var siteID string
		var o notifier.Override
		if err := rows.Scan(&siteID, &o.Action, &o.CategoryID, &o.ThreadID); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		overrides[siteID] = append(overrides[siteID], o)
	}
	return overrides, rows.Err()
}

// StoreGlobalOverrides replaces the stored override lists for all sites.
func (s *Store) StoreGlobalOverrides(ctx context.Context, overrides map[string][]notifier.Override) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM global_overrides`); err != nil {
		return fmt.Errorf("clear global overrides: %w", err)
	}
	for siteID, list := range overrides {
		for _, o := range list {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO global_overrides (site_id, action, category_id, thread_id)
				VALUES (?, ?, ?, ?)`,
				siteID, o.Action, o.CategoryID, o.ThreadID); err != nil {
				return fmt.Errorf("store override for site %s: %w", siteID, err)
			}
		}
	}
	return tx.Commit()
}
