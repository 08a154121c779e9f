package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Collection is one declared source collection.
type Collection struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name,omitempty"`
	SourceLocator      string   `json:"source_locator"`
	Enabled            bool     `json:"enabled"`
	Priority           int      `json:"priority"`
	PageLimit          int      `json:"page_limit,omitempty"`
	LastModifiedFields []string `json:"last_modified_fields,omitempty"`
}

// SyncCollections makes the stored collections match decl: declared ones
// are inserted or updated, stored ones missing from decl are disabled.
// Watermarks are kept either way.
func (s *Store) SyncCollections(ctx context.Context, decl []Collection) error {
	now := ns(s.now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		keep := make([]any, 0, len(decl))
		for _, c := range decl {
			if strings.TrimSpace(c.ID) == "" {
				return fmt.Errorf("store: collection with empty id")
			}
			fields, err := json.Marshal(c.LastModifiedFields)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
INSERT INTO collections (id, name, source_locator, enabled, priority, page_limit, last_modified_fields, updated_at_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  name = excluded.name,
  source_locator = excluded.source_locator,
  enabled = excluded.enabled,
  priority = excluded.priority,
  page_limit = excluded.page_limit,
  last_modified_fields = excluded.last_modified_fields,
  updated_at_ns = excluded.updated_at_ns`,
				c.ID, c.Name, c.SourceLocator, boolInt(c.Enabled), c.Priority, c.PageLimit, string(fields), now)
			if err != nil {
				return fmt.Errorf("store: upsert collection %s: %w", c.ID, err)
			}
			keep = append(keep, c.ID)
		}

		q := "UPDATE collections SET enabled = 0, updated_at_ns = ? WHERE enabled = 1"
		args := []any{now}
		if len(keep) > 0 {
			q += " AND id NOT IN (?" + strings.Repeat(", ?", len(keep)-1) + ")"
			args = append(args, keep...)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("store: disable undeclared collections: %w", err)
		}
		return nil
	})
}

// Collections returns every stored collection ordered by priority, then id.
func (s *Store) Collections(ctx context.Context) ([]Collection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, source_locator, enabled, priority, page_limit, last_modified_fields
  FROM collections
 ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var (
			c      Collection
			fields string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.SourceLocator, &c.Enabled, &c.Priority, &c.PageLimit, &fields); err != nil {
			return nil, err
		}
		if fields != "" {
			if err := json.Unmarshal([]byte(fields), &c.LastModifiedFields); err != nil {
				return nil, fmt.Errorf("store: collection %s: last_modified_fields: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
