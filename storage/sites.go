package storage

import (
	"context"
	"fmt"

	"forum-notifier/pkg/notifier"
)

// SupportedSites returns the sites currently watched for new posts.
func (s *Store) SupportedSites(ctx context.Context) ([]notifier.Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, secure FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer rows.Close()

	var sites []notifier.Site
	for rows.Next() {
		var site notifier.Site
		if err := rows.Scan(&site.ID, &site.Secure); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// ReplaceSites replaces the supported site list with the one downloaded
// from the remote config page.
func (s *Store) ReplaceSites(ctx context.Context, sites []notifier.Site) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sites transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM sites`); err != nil {
		return fmt.Errorf("clear sites: %w", err)
	}
	for _, site := range sites {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sites (id, secure) VALUES (?, ?)`, site.ID, site.Secure); err != nil {
			return fmt.Errorf("insert site %s: %w", site.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sites: %w", err)
	}
	s.logger.Info("Supported site list replaced", "count", len(sites))
	return nil
}
