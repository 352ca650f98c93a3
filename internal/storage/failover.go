package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ChannelConfig returns the singleton backup configuration, or ErrNotFound
// when no backup channel has been configured.
func (s *Store) ChannelConfig(ctx context.Context) (*ChannelConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT backup_token, backup_bot_id, backup_username, sync_status,
		        synced_count, failed_count, total_count, error_message,
		        backup_active, COALESCE(last_synced_at, ''), created_at, updated_at
		 FROM channel_config WHERE id = 1`)

	var c ChannelConfig
	var lastSynced, created, updated string
	err := row.Scan(&c.BackupToken, &c.BackupBotID, &c.BackupUsername, &c.SyncStatus,
		&c.SyncedCount, &c.FailedCount, &c.TotalCount, &c.ErrorMessage,
		&c.BackupActive, &lastSynced, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.LastSyncedAt = parseTime(lastSynced)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// SaveChannelConfig writes the singleton backup configuration, replacing any
// previous one and resetting the sync bookkeeping.
func (s *Store) SaveChannelConfig(ctx context.Context, c ChannelConfig) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_config(id, backup_token, backup_bot_id, backup_username,
		   sync_status, synced_count, failed_count, total_count, error_message,
		   backup_active, last_synced_at, created_at, updated_at)
		 VALUES(1,?,?,?,?,0,0,0,'',0,NULL,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   backup_token = excluded.backup_token,
		   backup_bot_id = excluded.backup_bot_id,
		   backup_username = excluded.backup_username,
		   sync_status = excluded.sync_status,
		   synced_count = 0,
		   failed_count = 0,
		   total_count = 0,
		   error_message = '',
		   backup_active = 0,
		   last_synced_at = NULL,
		   updated_at = excluded.updated_at`,
		c.BackupToken, c.BackupBotID, c.BackupUsername,
		orPending(c.SyncStatus), now, now,
	)
	return err
}

func orPending(status string) string {
	if strings.TrimSpace(status) == "" {
		return SyncPending
	}
	return status
}

// DeleteChannelConfig removes the backup configuration together with every
// identity mapping minted against it.
func (s *Store) DeleteChannelConfig(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM identity_mappings`); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM channel_config WHERE id = 1`)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateSyncStatus transitions the sync state machine. A terminal transition
// to SyncDone stamps last_synced_at; errMsg is only stored for SyncError.
func (s *Store) UpdateSyncStatus(ctx context.Context, status, errMsg string) error {
	now := fmtTime(time.Now())
	var lastSynced any
	if status == SyncDone {
		lastSynced = now
	}
	if status != SyncError {
		errMsg = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_config SET
		   sync_status = ?,
		   error_message = ?,
		   last_synced_at = COALESCE(?, last_synced_at),
		   updated_at = ?
		 WHERE id = 1`,
		status, errMsg, lastSynced, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSyncTotals seeds the progress counters at the start of a run.
func (s *Store) SetSyncTotals(ctx context.Context, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channel_config SET synced_count = 0, failed_count = 0, total_count = ?, updated_at = ? WHERE id = 1`,
		total, fmtTime(time.Now()))
	return err
}

// IncrementSyncCounters bumps the progress counters by the given deltas.
func (s *Store) IncrementSyncCounters(ctx context.Context, synced, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channel_config SET
		   synced_count = synced_count + ?,
		   failed_count = failed_count + ?,
		   updated_at = ?
		 WHERE id = 1`,
		synced, failed, fmtTime(time.Now()))
	return err
}

// SetBackupActive flips which identifier namespace the resolver prefers.
func (s *Store) SetBackupActive(ctx context.Context, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_config SET backup_active = ?, updated_at = ? WHERE id = 1`,
		active, fmtTime(time.Now()))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MappingByDedupKey(ctx context.Context, dedupKey string) (*IdentityMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dedup_key, primary_file_id, COALESCE(backup_file_id, ''), origin_kind, origin_id, created_at
		 FROM identity_mappings WHERE dedup_key = ?`, dedupKey)

	var m IdentityMapping
	var created string
	err := row.Scan(&m.ID, &m.DedupKey, &m.PrimaryFileID, &m.BackupFileID,
		&m.OriginKind, &m.OriginID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(created)
	return &m, nil
}

// UpsertMapping records the backup identifier minted for one asset. The
// dedup key is the natural key: re-syncing the same asset overwrites.
func (s *Store) UpsertMapping(ctx context.Context, m IdentityMapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_mappings(dedup_key, primary_file_id, backup_file_id, origin_kind, origin_id, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(dedup_key) DO UPDATE SET
		   primary_file_id = excluded.primary_file_id,
		   backup_file_id = excluded.backup_file_id,
		   origin_kind = excluded.origin_kind,
		   origin_id = excluded.origin_id`,
		m.DedupKey, m.PrimaryFileID, nullStr(m.BackupFileID),
		m.OriginKind, m.OriginID, fmtTime(m.CreatedAt),
	)
	return err
}

func (s *Store) DeleteAllMappings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM identity_mappings`)
	return err
}

// SyncAsset is one physical asset a backfill run must mint a backup
// identifier for.
type SyncAsset struct {
	DedupKey        string
	FileID          string
	Kind            string
	OriginKind      string
	OriginID        int64
	OriginChatID    int64
	OriginMessageID int64
}

// AssetsNeedingSync lists every distinct asset without a backup identifier,
// content parts first, then creative media.
func (s *Store) AssetsNeedingSync(ctx context.Context) ([]SyncAsset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.dedup_key, p.file_id, p.kind, ?, p.item_id,
		        COALESCE(p.origin_chat_id, 0), COALESCE(p.origin_message_id, 0)
		 FROM media_parts p
		 LEFT JOIN identity_mappings m ON m.dedup_key = p.dedup_key
		 WHERE p.dedup_key != '' AND (m.id IS NULL OR COALESCE(m.backup_file_id, '') = '')
		 UNION ALL
		 SELECT cm.dedup_key, cm.file_id, cm.kind, ?, cm.creative_id, 0, 0
		 FROM creative_media cm
		 LEFT JOIN identity_mappings m ON m.dedup_key = cm.dedup_key
		 WHERE cm.dedup_key != '' AND (m.id IS NULL OR COALESCE(m.backup_file_id, '') = '')`,
		OriginContent, OriginCreative)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var out []SyncAsset
	for rows.Next() {
		var a SyncAsset
		if err := rows.Scan(&a.DedupKey, &a.FileID, &a.Kind, &a.OriginKind,
			&a.OriginID, &a.OriginChatID, &a.OriginMessageID); err != nil {
			return nil, err
		}
		if _, dup := seen[a.DedupKey]; dup {
			continue
		}
		seen[a.DedupKey] = struct{}{}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAssets returns the number of distinct dedup keys across content
// parts and creative media.
func (s *Store) CountAssets(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
		   SELECT dedup_key FROM media_parts WHERE dedup_key != ''
		   UNION
		   SELECT dedup_key FROM creative_media WHERE dedup_key != ''
		 )`).Scan(&n)
	return n, err
}
