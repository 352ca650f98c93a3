package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"previewbot/internal/storage"
	kit "previewbot/internal/transport"
	logx "previewbot/pkg/logx"
)

// fakeIssuer mints deterministic identifiers in its own namespace and
// records the refs it was asked to delete.
type fakeIssuer struct {
	mu      sync.Mutex
	name    string
	id      int64
	nextMsg int
	failOn   map[string]bool // file id or "chat:msg" keys that fail to stage
	notAdmin bool
	deleted  []kit.MessageRef
}

func newFakeIssuer(name string, id int64) *fakeIssuer {
	return &fakeIssuer{name: name, id: id, failOn: map[string]bool{}}
}

func (f *fakeIssuer) Identity() (int64, string) { return f.id, f.name }

func (f *fakeIssuer) Republish(_ context.Context, to kit.ChatTarget, m kit.Media) (kit.MessageRef, kit.MintedMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[m.FileID] {
		return kit.MessageRef{}, kit.MintedMedia{}, errors.New("file not found")
	}
	f.nextMsg++
	ref := kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextMsg}
	minted := kit.MintedMedia{
		Media:    kit.Media{Kind: m.Kind, FileID: f.name + ":" + m.FileID},
		DedupKey: "u:" + m.FileID,
	}
	return ref, minted, nil
}

func (f *fakeIssuer) Forward(_ context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, kit.MintedMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d:%d", from.ChatID, from.MessageID)
	if f.failOn[key] {
		return kit.MessageRef{}, kit.MintedMedia{}, errors.New("message to forward not found")
	}
	f.nextMsg++
	ref := kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextMsg}
	minted := kit.MintedMedia{
		Media:    kit.Media{Kind: kit.MediaImage, FileID: fmt.Sprintf("%s:fwd:%s", f.name, key)},
		DedupKey: "u:fwd:" + key,
	}
	return ref, minted, nil
}

func (f *fakeIssuer) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeIssuer) IsChannelAdmin(context.Context, int64) (bool, error) { return !f.notAdmin, nil }

func newTestOrchestrator(t *testing.T, primary kit.Issuer, backup *fakeIssuer) (*Orchestrator, *storage.Store) {
	t.Helper()
	s, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	factory := func(token string) (kit.Issuer, error) {
		if token != "good-token" {
			return nil, errors.New("unauthorized")
		}
		return backup, nil
	}
	o := NewOrchestrator(s, primary, factory, Config{
		RendezvousChannelID: -100900,
		SyncDelay:           time.Millisecond,
	}, logx.Nop())
	return o, s
}

func seedAssets(t *testing.T, s *storage.Store) *storage.ContentItem {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateCatalog(ctx, storage.Catalog{Code: "alpha", Active: true}); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	item := &storage.ContentItem{
		CatalogCode: "alpha",
		Parts: []storage.MediaPart{
			{Kind: kit.MediaImage, FileID: "f1", DedupKey: "d1", OriginChatID: -100, OriginMessageID: 11},
			{Kind: kit.MediaVideo, FileID: "f2", DedupKey: "d2"}, // manual upload, no origin
		},
	}
	if err := s.CreateItem(ctx, item); err != nil {
		t.Fatalf("item: %v", err)
	}
	return item
}

func waitStatus(t *testing.T, s *storage.Store, want string) *storage.ChannelConfig {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cfg, err := s.ChannelConfig(context.Background())
		if err == nil && cfg.SyncStatus == want {
			return cfg
		}
		time.Sleep(5 * time.Millisecond)
	}
	cfg, _ := s.ChannelConfig(context.Background())
	t.Fatalf("timed out waiting for status %q, have %+v", want, cfg)
	return nil
}

func TestConfigureRejectsBadToken(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t, newFakeIssuer("prim", 1), newFakeIssuer("bak", 2))

	if _, err := o.Configure(context.Background(), "bad-token"); err == nil {
		t.Fatal("configure with invalid token succeeded")
	}
}

func TestConfigureRequiresChannelAdmin(t *testing.T) {
	t.Parallel()
	backup := newFakeIssuer("bak", 2)
	backup.notAdmin = true
	o, s := newTestOrchestrator(t, newFakeIssuer("prim", 1), backup)

	if _, err := o.Configure(context.Background(), "good-token"); err == nil {
		t.Fatal("configure without rendezvous admin rights succeeded")
	}
	// A failed configure must leave nothing behind.
	if _, err := s.ChannelConfig(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("config persisted after failed configure: %v", err)
	}
}

func TestConfigurePersistsIdentity(t *testing.T) {
	t.Parallel()
	o, s := newTestOrchestrator(t, newFakeIssuer("prim", 1), newFakeIssuer("bak", 42))

	cfg, err := o.Configure(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if cfg.BackupBotID != 42 || cfg.BackupUsername != "bak" || cfg.SyncStatus != storage.SyncPending {
		t.Fatalf("config: %+v", cfg)
	}

	stored, err := s.ChannelConfig(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.BackupToken != "good-token" {
		t.Fatalf("token not stored: %+v", stored)
	}
}

func TestSyncMintsMappingsForEveryAsset(t *testing.T) {
	t.Parallel()
	primary := newFakeIssuer("prim", 1)
	backup := newFakeIssuer("bak", 2)
	o, s := newTestOrchestrator(t, primary, backup)
	seedAssets(t, s)

	ctx := context.Background()
	if _, err := o.Configure(ctx, "good-token"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := o.StartSync(ctx); err != nil {
		t.Fatalf("start sync: %v", err)
	}

	cfg := waitStatus(t, s, storage.SyncDone)
	if cfg.SyncedCount != 2 || cfg.FailedCount != 0 || cfg.TotalCount != 2 {
		t.Fatalf("progress: %+v", cfg)
	}
	if cfg.LastSyncedAt.IsZero() {
		t.Fatal("last_synced_at not stamped")
	}

	for _, key := range []string{"d1", "d2"} {
		m, err := s.MappingByDedupKey(ctx, key)
		if err != nil {
			t.Fatalf("mapping %s: %v", key, err)
		}
		if m.BackupFileID == "" {
			t.Fatalf("mapping %s has no backup id", key)
		}
	}

	// Only the origin-less asset needed primary staging; both forwarded
	// copies are cleaned up.
	if len(primary.deleted) != 1 || len(backup.deleted) != 2 {
		t.Fatalf("scratch cleanup: primary=%d backup=%d, want 1 and 2",
			len(primary.deleted), len(backup.deleted))
	}
}

func TestConfigureRejectsSecondIdentity(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t, newFakeIssuer("prim", 1), newFakeIssuer("bak", 2))

	ctx := context.Background()
	if _, err := o.Configure(ctx, "good-token"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := o.Configure(ctx, "good-token"); !errors.Is(err, ErrAlreadyConfigured) {
		t.Fatalf("second configure: got %v, want ErrAlreadyConfigured", err)
	}
}

func TestConfigureRejectsPrimaryToken(t *testing.T) {
	t.Parallel()
	// The factory hands back an issuer with the primary's own bot id.
	o, _ := newTestOrchestrator(t, newFakeIssuer("prim", 1), newFakeIssuer("prim-again", 1))

	if _, err := o.Configure(context.Background(), "good-token"); err == nil {
		t.Fatal("configure with the primary's token succeeded")
	}
}

func TestSyncCountsFailuresAndContinues(t *testing.T) {
	t.Parallel()
	primary := newFakeIssuer("prim", 1)
	backup := newFakeIssuer("bak", 2)
	backup.failOn["-100:11"] = true // origin forward of d1 breaks
	o, s := newTestOrchestrator(t, primary, backup)
	seedAssets(t, s)

	ctx := context.Background()
	if _, err := o.Configure(ctx, "good-token"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := o.StartSync(ctx); err != nil {
		t.Fatalf("start sync: %v", err)
	}

	// A run with failures lands in the error state so an operator looks
	// before switching traffic to the backup.
	cfg := waitStatus(t, s, storage.SyncError)
	if cfg.SyncedCount != 1 || cfg.FailedCount != 1 {
		t.Fatalf("progress: %+v", cfg)
	}
	if cfg.ErrorMessage == "" {
		t.Fatal("error message not recorded")
	}
	if _, err := s.MappingByDedupKey(ctx, "d2"); err != nil {
		t.Fatalf("surviving asset not mapped: %v", err)
	}
	if _, err := s.MappingByDedupKey(ctx, "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed asset mapped anyway: %v", err)
	}
}

func TestStartSyncRequiresConfig(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t, newFakeIssuer("prim", 1), newFakeIssuer("bak", 2))

	if err := o.StartSync(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
}

func TestSecondSyncRejectedWhileRunning(t *testing.T) {
	t.Parallel()
	primary := newFakeIssuer("prim", 1)
	backup := newFakeIssuer("bak", 2)
	o, s := newTestOrchestrator(t, primary, backup)
	seedAssets(t, s)
	// Slow the run down enough to overlap with the second call.
	o.limiter.SetLimit(2)

	ctx := context.Background()
	if _, err := o.Configure(ctx, "good-token"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := o.StartSync(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := o.StartSync(ctx); !errors.Is(err, ErrSyncRunning) {
		t.Fatalf("second start: got %v, want ErrSyncRunning", err)
	}
	o.StopSync()
}

func TestActivateBackupRequiresCompletedSync(t *testing.T) {
	t.Parallel()
	o, s := newTestOrchestrator(t, newFakeIssuer("prim", 1), newFakeIssuer("bak", 2))

	ctx := context.Background()
	if _, err := o.Configure(ctx, "good-token"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := o.ActivateBackup(ctx); err == nil {
		t.Fatal("activation before sync succeeded")
	}

	seedAssets(t, s)
	if err := o.StartSync(ctx); err != nil {
		t.Fatalf("start sync: %v", err)
	}
	waitStatus(t, s, storage.SyncDone)

	if err := o.ActivateBackup(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	cfg, _ := s.ChannelConfig(ctx)
	if !cfg.BackupActive {
		t.Fatal("backup not active")
	}

	if err := o.ActivatePrimary(ctx); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	cfg, _ = s.ChannelConfig(ctx)
	if cfg.BackupActive {
		t.Fatal("backup still active")
	}
}

func TestDeleteConfigDropsMappings(t *testing.T) {
	t.Parallel()
	o, s := newTestOrchestrator(t, newFakeIssuer("prim", 1), newFakeIssuer("bak", 2))
	seedAssets(t, s)

	ctx := context.Background()
	if _, err := o.Configure(ctx, "good-token"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := o.StartSync(ctx); err != nil {
		t.Fatalf("start sync: %v", err)
	}
	waitStatus(t, s, storage.SyncDone)

	// Deletion is refused while the backup identity serves traffic.
	if err := o.ActivateBackup(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := o.DeleteConfig(ctx); !errors.Is(err, ErrBackupActive) {
		t.Fatalf("delete while active: got %v, want ErrBackupActive", err)
	}
	if err := o.ActivatePrimary(ctx); err != nil {
		t.Fatalf("switch back: %v", err)
	}

	if err := o.DeleteConfig(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := o.Status(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("status after delete: %v", err)
	}
	if _, err := s.MappingByDedupKey(ctx, "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("mappings survived delete: %v", err)
	}
}
