package failover

import (
	"context"
	"errors"
	"testing"

	"previewbot/internal/storage"
	logx "previewbot/pkg/logx"
)

type fakeResolverStore struct {
	cfg      *storage.ChannelConfig
	cfgErr   error
	mappings map[string]*storage.IdentityMapping
	mapErr   error
}

func (f *fakeResolverStore) ChannelConfig(context.Context) (*storage.ChannelConfig, error) {
	if f.cfgErr != nil {
		return nil, f.cfgErr
	}
	return f.cfg, nil
}

func (f *fakeResolverStore) MappingByDedupKey(_ context.Context, key string) (*storage.IdentityMapping, error) {
	if f.mapErr != nil {
		return nil, f.mapErr
	}
	m, ok := f.mappings[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m, nil
}

func TestResolverFileID(t *testing.T) {
	t.Parallel()

	synced := map[string]*storage.IdentityMapping{
		"dk": {DedupKey: "dk", PrimaryFileID: "prim", BackupFileID: "bak"},
	}
	unsynced := map[string]*storage.IdentityMapping{
		"dk": {DedupKey: "dk", PrimaryFileID: "prim"},
	}

	tests := []struct {
		name  string
		store *fakeResolverStore
		key   string
		want  string
	}{
		{
			name:  "backup inactive",
			store: &fakeResolverStore{cfg: &storage.ChannelConfig{}, mappings: synced},
			key:   "dk",
			want:  "prim",
		},
		{
			name:  "backup active with mapping",
			store: &fakeResolverStore{cfg: &storage.ChannelConfig{BackupActive: true}, mappings: synced},
			key:   "dk",
			want:  "bak",
		},
		{
			name:  "backup active without mapping",
			store: &fakeResolverStore{cfg: &storage.ChannelConfig{BackupActive: true}},
			key:   "dk",
			want:  "prim",
		},
		{
			name:  "backup active mapping unsynced",
			store: &fakeResolverStore{cfg: &storage.ChannelConfig{BackupActive: true}, mappings: unsynced},
			key:   "dk",
			want:  "prim",
		},
		{
			name:  "no backup configured",
			store: &fakeResolverStore{cfgErr: storage.ErrNotFound},
			key:   "dk",
			want:  "prim",
		},
		{
			name:  "config lookup broken fails open",
			store: &fakeResolverStore{cfgErr: errors.New("db locked")},
			key:   "dk",
			want:  "prim",
		},
		{
			name:  "mapping lookup broken fails open",
			store: &fakeResolverStore{cfg: &storage.ChannelConfig{BackupActive: true}, mapErr: errors.New("db locked")},
			key:   "dk",
			want:  "prim",
		},
		{
			name:  "empty dedup key",
			store: &fakeResolverStore{cfg: &storage.ChannelConfig{BackupActive: true}, mappings: synced},
			key:   "",
			want:  "prim",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(tc.store, logx.Nop())
			got := r.FileID(context.Background(), tc.key, "prim")
			if got != tc.want {
				t.Fatalf("FileID = %q, want %q", got, tc.want)
			}
		})
	}
}
