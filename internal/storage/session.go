package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertSubscriber inserts or refreshes a subscriber row. It reports whether
// the subscriber was seen for the first time.
func (s *Store) UpsertSubscriber(ctx context.Context, sub Subscriber) (bool, error) {
	now := time.Now()
	if sub.FirstSeen.IsZero() {
		sub.FirstSeen = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, username, full_name, catalog_code, first_seen, last_active)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username = excluded.username,
		   full_name = excluded.full_name,
		   last_active = excluded.last_active`,
		sub.ID, sub.Username, sub.FullName, nullStr(sub.CatalogCode),
		fmtTime(sub.FirstSeen), fmtTime(now),
	)
	if err != nil {
		return false, err
	}
	// SQLite reports the rowid of the affected row either way; detect a
	// fresh insert by comparing first_seen with what we attempted to write.
	_ = res
	var firstSeen string
	if err := s.db.QueryRowContext(ctx,
		`SELECT first_seen FROM subscribers WHERE id = ?`, sub.ID).Scan(&firstSeen); err != nil {
		return false, err
	}
	return firstSeen == fmtTime(sub.FirstSeen), nil
}

func (s *Store) SubscriberByID(ctx context.Context, id int64) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, full_name, COALESCE(catalog_code, ''), first_seen, last_active
		 FROM subscribers WHERE id = ?`, id)

	var sub Subscriber
	var firstSeen, lastActive string
	err := row.Scan(&sub.ID, &sub.Username, &sub.FullName, &sub.CatalogCode, &firstSeen, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.FirstSeen = parseTime(firstSeen)
	sub.LastActive = parseTime(lastActive)
	return &sub, nil
}

func (s *Store) SessionFor(ctx context.Context, subscriberID int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subscriber_id, catalog_code, cursor, wait_count, ad_pointer, version, last_interaction
		 FROM sessions WHERE subscriber_id = ?`, subscriberID)

	var sess Session
	var last string
	err := row.Scan(&sess.SubscriberID, &sess.CatalogCode, &sess.Cursor,
		&sess.WaitCount, &sess.AdPointer, &sess.Version, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.LastInteraction = parseTime(last)
	return &sess, nil
}

// ResetSession binds the subscriber to a catalog with cursor and wait count
// back at zero, creating the row if needed. The ad pointer is deliberately
// preserved so rotation position survives rebinding. The version still
// advances so a concurrent stale commit loses.
func (s *Store) ResetSession(ctx context.Context, subscriberID int64, catalogCode string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(subscriber_id, catalog_code, cursor, wait_count, ad_pointer, version, last_interaction)
		 VALUES(?,?,0,0,0,0,?)
		 ON CONFLICT(subscriber_id) DO UPDATE SET
		   catalog_code = excluded.catalog_code,
		   cursor = 0,
		   wait_count = 0,
		   version = sessions.version + 1,
		   last_interaction = excluded.last_interaction`,
		subscriberID, catalogCode, fmtTime(time.Now()),
	)
	return err
}

// CommitSession applies the mutated session if and only if the stored row
// still carries the version the caller read. On a lost race it returns
// ErrConflict and the row is untouched.
func (s *Store) CommitSession(ctx context.Context, sess *Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
		   catalog_code = ?,
		   cursor = ?,
		   wait_count = ?,
		   ad_pointer = ?,
		   version = version + 1,
		   last_interaction = ?
		 WHERE subscriber_id = ? AND version = ?`,
		sess.CatalogCode, sess.Cursor, sess.WaitCount, sess.AdPointer,
		fmtTime(time.Now()), sess.SubscriberID, sess.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	sess.Version++
	return nil
}
