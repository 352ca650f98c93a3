// Package failover keeps a second bot identity able to serve every media
// asset. A backfill run mints backup file identifiers through a rendezvous
// channel both bots can write to; the resolver then picks the identifier
// namespace matching whichever identity is active.
package failover

import (
	"context"
	"errors"

	"previewbot/internal/storage"
	logx "previewbot/pkg/logx"
)

// ResolverStore is the read slice of storage the resolver needs.
type ResolverStore interface {
	ChannelConfig(ctx context.Context) (*storage.ChannelConfig, error)
	MappingByDedupKey(ctx context.Context, dedupKey string) (*storage.IdentityMapping, error)
}

// Resolver translates an asset's canonical (primary) file identifier into
// the one the active bot identity can use.
//
// Resolution fails open: any lookup problem, missing mapping, or unsynced
// asset yields the primary identifier. Delivery must keep working even when
// failover state is broken.
type Resolver struct {
	store ResolverStore
	log   logx.Logger
}

func NewResolver(store ResolverStore, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{store: store, log: log.With(logx.String("component", "resolver"))}
}

// FileID returns the identifier to send for the asset. primary is always a
// valid answer; the backup identifier is only substituted when the backup
// identity is active and a synced mapping exists for the dedup key.
func (r *Resolver) FileID(ctx context.Context, dedupKey, primary string) string {
	if dedupKey == "" {
		return primary
	}
	cfg, err := r.store.ChannelConfig(ctx)
	if err != nil || !cfg.BackupActive {
		return primary
	}
	m, err := r.store.MappingByDedupKey(ctx, dedupKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("mapping lookup failed", logx.String("dedup_key", dedupKey), logx.Err(err))
		}
		return primary
	}
	if m.BackupFileID == "" {
		return primary
	}
	return m.BackupFileID
}
