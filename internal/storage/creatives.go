package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) CreateCreativeGroup(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO creative_groups(name) VALUES(?)`, name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// BindCreativeGroup attaches a creative group to a catalog.
func (s *Store) BindCreativeGroup(ctx context.Context, catalogCode string, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO catalog_creative_groups(catalog_code, group_id) VALUES(?,?)`,
		catalogCode, groupID)
	return err
}

// CreateCreative persists a creative and its media in one transaction.
func (s *Store) CreateCreative(ctx context.Context, c *Creative) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO creatives(group_id, title, description, target_url, button_label, is_active, sort_order, created_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			c.GroupID, c.Title, c.Description, c.TargetURL, c.ButtonLabel,
			c.Active, c.SortOrder, fmtTime(c.CreatedAt),
		)
		if err != nil {
			return err
		}
		c.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for i := range c.Media {
			m := &c.Media[i]
			m.CreativeID = c.ID
			m.Position = i
			res, err := tx.ExecContext(ctx,
				`INSERT INTO creative_media(creative_id, kind, file_id, dedup_key, position)
				 VALUES(?,?,?,?,?)`,
				m.CreativeID, string(m.Kind), m.FileID, m.DedupKey, m.Position,
			)
			if err != nil {
				return err
			}
			m.ID, _ = res.LastInsertId()
		}
		return nil
	})
}

func (s *Store) DeleteCreative(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM creatives WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreativeByID(ctx context.Context, id int64) (*Creative, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, title, description, target_url, button_label, is_active, sort_order, created_at
		 FROM creatives WHERE id = ?`, id)

	var c Creative
	var created string
	err := row.Scan(&c.ID, &c.GroupID, &c.Title, &c.Description, &c.TargetURL,
		&c.ButtonLabel, &c.Active, &c.SortOrder, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.Media, err = s.mediaForCreative(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ActiveCreatives lists the active creatives of every group bound to the
// catalog, in stable rotation order.
func (s *Store) ActiveCreatives(ctx context.Context, catalogCode string) ([]Creative, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.group_id, c.title, c.description, c.target_url, c.button_label,
		        c.is_active, c.sort_order, c.created_at
		 FROM creatives c
		 JOIN catalog_creative_groups b ON b.group_id = c.group_id
		 WHERE b.catalog_code = ? AND c.is_active = 1
		 ORDER BY c.sort_order, c.id`, catalogCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Creative
	for rows.Next() {
		var c Creative
		var created string
		if err := rows.Scan(&c.ID, &c.GroupID, &c.Title, &c.Description, &c.TargetURL,
			&c.ButtonLabel, &c.Active, &c.SortOrder, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Media, err = s.mediaForCreative(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) mediaForCreative(ctx context.Context, creativeID int64) ([]CreativeMedia, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, creative_id, kind, file_id, dedup_key, position
		 FROM creative_media WHERE creative_id = ? ORDER BY position`, creativeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CreativeMedia
	for rows.Next() {
		var m CreativeMedia
		var kind string
		if err := rows.Scan(&m.ID, &m.CreativeID, &kind, &m.FileID, &m.DedupKey, &m.Position); err != nil {
			return nil, err
		}
		m.Kind = mediaKind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}
