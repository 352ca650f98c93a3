package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func (s *Store) CreateCatalog(ctx context.Context, c Catalog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO catalogs(code, name, source_channel_id, auto_collect, is_active, created_at)
		 VALUES(?,?,?,?,?,?)`,
		c.Code, c.Name, nullInt(c.SourceChannelID), c.AutoCollect, c.Active, fmtTime(c.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("catalog %q: %w", c.Code, ErrExists)
	}
	return err
}

func (s *Store) DeleteCatalog(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM catalogs WHERE code = ?`, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CatalogByCode(ctx context.Context, code string) (*Catalog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code, name, COALESCE(source_channel_id, 0), auto_collect, is_active, created_at
		 FROM catalogs WHERE code = ?`, code)
	return scanCatalog(row)
}

// CatalogByChannel finds the active catalog bound to a source channel with
// automatic collection enabled.
func (s *Store) CatalogByChannel(ctx context.Context, channelID int64) (*Catalog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code, name, COALESCE(source_channel_id, 0), auto_collect, is_active, created_at
		 FROM catalogs
		 WHERE source_channel_id = ? AND auto_collect = 1 AND is_active = 1`, channelID)
	return scanCatalog(row)
}

func (s *Store) ListCatalogs(ctx context.Context) ([]Catalog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, COALESCE(source_channel_id, 0), auto_collect, is_active, created_at
		 FROM catalogs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Catalog
	for rows.Next() {
		var c Catalog
		var created string
		if err := rows.Scan(&c.Code, &c.Name, &c.SourceChannelID, &c.AutoCollect, &c.Active, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCatalog(row *sql.Row) (*Catalog, error) {
	var c Catalog
	var created string
	err := row.Scan(&c.Code, &c.Name, &c.SourceChannelID, &c.AutoCollect, &c.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// CreateItem persists an item and its parts in one transaction. A zero
// SortOrder is assigned max(existing)+1 within the catalog.
func (s *Store) CreateItem(ctx context.Context, item *ContentItem) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if item.SortOrder == 0 {
			var maxOrder sql.NullInt64
			err := tx.QueryRowContext(ctx,
				`SELECT MAX(sort_order) FROM content_items WHERE catalog_code = ?`,
				item.CatalogCode).Scan(&maxOrder)
			if err != nil {
				return err
			}
			item.SortOrder = int(maxOrder.Int64) + 1
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO content_items(catalog_code, title, description, sort_order, is_cover, created_at)
			 VALUES(?,?,?,?,?,?)`,
			item.CatalogCode, item.Title, item.Description, item.SortOrder, item.IsCover, fmtTime(item.CreatedAt),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		item.ID = id

		for i := range item.Parts {
			p := &item.Parts[i]
			p.ItemID = id
			p.Position = i
			res, err := tx.ExecContext(ctx,
				`INSERT INTO media_parts(item_id, kind, file_id, dedup_key, origin_chat_id, origin_message_id, position)
				 VALUES(?,?,?,?,?,?,?)`,
				p.ItemID, string(p.Kind), p.FileID, p.DedupKey,
				nullInt(p.OriginChatID), nullInt(p.OriginMessageID), p.Position,
			)
			if err != nil {
				return err
			}
			p.ID, _ = res.LastInsertId()
		}
		return nil
	})
}

func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM content_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCover marks one item as the catalog's cover, clearing any previous
// cover in the same transaction so at most one exists per catalog.
func (s *Store) SetCover(ctx context.Context, code string, itemID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT catalog_code FROM content_items WHERE id = ?`, itemID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if owner != code {
			return fmt.Errorf("item %d does not belong to catalog %q", itemID, code)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE content_items SET is_cover = 0 WHERE catalog_code = ? AND is_cover = 1`, code); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE content_items SET is_cover = 1 WHERE id = ?`, itemID)
		return err
	})
}

// NonCoverItems lists a catalog's browsable items ordered by sort key.
// Parts are not loaded; use PartsForItem for the item being delivered.
func (s *Store) NonCoverItems(ctx context.Context, code string) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, catalog_code, title, description, sort_order, is_cover, created_at
		 FROM content_items
		 WHERE catalog_code = ? AND is_cover = 0
		 ORDER BY sort_order, id`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// CoverItem returns the catalog's cover with parts loaded, or ErrNotFound.
func (s *Store) CoverItem(ctx context.Context, code string) (*ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, catalog_code, title, description, sort_order, is_cover, created_at
		 FROM content_items
		 WHERE catalog_code = ? AND is_cover = 1
		 LIMIT 1`, code)

	var it ContentItem
	var created string
	err := row.Scan(&it.ID, &it.CatalogCode, &it.Title, &it.Description, &it.SortOrder, &it.IsCover, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	it.CreatedAt = parseTime(created)
	it.Parts, err = s.PartsForItem(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *Store) PartsForItem(ctx context.Context, itemID int64) ([]MediaPart, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, kind, file_id, dedup_key,
		        COALESCE(origin_chat_id, 0), COALESCE(origin_message_id, 0), position
		 FROM media_parts WHERE item_id = ? ORDER BY position`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MediaPart
	for rows.Next() {
		var p MediaPart
		var kind string
		if err := rows.Scan(&p.ID, &p.ItemID, &kind, &p.FileID, &p.DedupKey,
			&p.OriginChatID, &p.OriginMessageID, &p.Position); err != nil {
			return nil, err
		}
		p.Kind = mediaKind(kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanItems(rows *sql.Rows) ([]ContentItem, error) {
	var out []ContentItem
	for rows.Next() {
		var it ContentItem
		var created string
		if err := rows.Scan(&it.ID, &it.CatalogCode, &it.Title, &it.Description,
			&it.SortOrder, &it.IsCover, &created); err != nil {
			return nil, err
		}
		it.CreatedAt = parseTime(created)
		out = append(out, it)
	}
	return out, rows.Err()
}
