package storage

import (
	"context"
	"time"
)

// AppendEvent records one analytics event. Zero-valued dimensions are
// stored as NULL so aggregate queries skip them naturally.
func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(type, subscriber_id, catalog_code, item_id, creative_id, page, at)
		 VALUES(?,?,?,?,?,?,?)`,
		e.Type, nullInt(e.SubscriberID), nullStr(e.CatalogCode),
		nullInt(e.ItemID), nullInt(e.CreativeID), e.Page, fmtTime(e.At),
	)
	return err
}

// PruneEvents deletes events older than the cutoff and reports how many
// rows went away.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
