package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"previewbot/internal/storage"
	kit "previewbot/internal/transport"
	logx "previewbot/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	catalogs map[int64]*storage.Catalog
	items    []*storage.ContentItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{catalogs: make(map[int64]*storage.Catalog)}
}

func (f *fakeStore) CatalogByChannel(_ context.Context, channelID int64) (*storage.Catalog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.catalogs[channelID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) CreateItem(_ context.Context, item *storage.ContentItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.ID = int64(len(f.items) + 1)
	f.items = append(f.items, item)
	return nil
}

func (f *fakeStore) snapshot() []*storage.ContentItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*storage.ContentItem(nil), f.items...)
}

func waitForItems(t *testing.T, f *fakeStore, n int) []*storage.ContentItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if items := f.snapshot(); len(items) >= n {
			return items
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d items, have %d", n, len(f.snapshot()))
	return nil
}

func post(chatID int64, msgID int, album, caption, fileID string) kit.ChannelPost {
	return kit.ChannelPost{
		ChatID:    chatID,
		MessageID: msgID,
		GroupKey:  album,
		Seq:       msgID,
		Caption:   caption,
		Part: kit.MintedMedia{
			Media:    kit.Media{Kind: kit.MediaImage, FileID: fileID},
			DedupKey: "dk-" + fileID,
		},
	}
}

func TestStandalonePostBecomesItemImmediately(t *testing.T) {
	t.Parallel()
	f := newFakeStore()
	f.catalogs[-100] = &storage.Catalog{Code: "alpha"}
	c := New(f, time.Hour, logx.Nop()) // debounce must not matter here
	defer c.Close()

	c.Offer(context.Background(), post(-100, 1, "", "Some caption text", "f1"))

	items := waitForItems(t, f, 1)
	it := items[0]
	if it.CatalogCode != "alpha" || it.Title != "" || it.Description != "Some caption text" {
		t.Fatalf("item: %+v", it)
	}
	if len(it.Parts) != 1 || it.Parts[0].OriginMessageID != 1 {
		t.Fatalf("parts: %+v", it.Parts)
	}
}

func TestAlbumBufferedAndSortedBySeq(t *testing.T) {
	t.Parallel()
	f := newFakeStore()
	f.catalogs[-100] = &storage.Catalog{Code: "alpha"}
	c := New(f, 30*time.Millisecond, logx.Nop())
	defer c.Close()

	ctx := context.Background()
	// Parts arrive out of order; caption rides on the middle message.
	c.Offer(ctx, post(-100, 3, "alb", "", "f3"))
	c.Offer(ctx, post(-100, 1, "alb", "", "f1"))
	c.Offer(ctx, post(-100, 2, "alb", "Album caption", "f2"))

	items := waitForItems(t, f, 1)
	it := items[0]
	if it.Description != "Album caption" {
		t.Fatalf("description: got %q", it.Description)
	}
	if len(it.Parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(it.Parts))
	}
	for i, want := range []string{"f1", "f2", "f3"} {
		if it.Parts[i].FileID != want {
			t.Fatalf("part %d: got %s, want %s", i, it.Parts[i].FileID, want)
		}
	}
}

func TestEachPartRestartsDebounceWindow(t *testing.T) {
	t.Parallel()
	f := newFakeStore()
	f.catalogs[-100] = &storage.Catalog{Code: "alpha"}
	c := New(f, 60*time.Millisecond, logx.Nop())
	defer c.Close()

	ctx := context.Background()
	c.Offer(ctx, post(-100, 1, "alb", "", "f1"))
	time.Sleep(40 * time.Millisecond)
	c.Offer(ctx, post(-100, 2, "alb", "", "f2"))
	time.Sleep(40 * time.Millisecond)
	if len(f.snapshot()) != 0 {
		t.Fatal("album flushed while parts were still arriving")
	}
	c.Offer(ctx, post(-100, 3, "alb", "", "f3"))

	items := waitForItems(t, f, 1)
	if len(items[0].Parts) != 3 {
		t.Fatalf("got %d parts, want 3 in one item", len(items[0].Parts))
	}
}

func TestDistinctAlbumsDoNotMix(t *testing.T) {
	t.Parallel()
	f := newFakeStore()
	f.catalogs[-100] = &storage.Catalog{Code: "alpha"}
	f.catalogs[-200] = &storage.Catalog{Code: "beta"}
	c := New(f, 20*time.Millisecond, logx.Nop())
	defer c.Close()

	ctx := context.Background()
	c.Offer(ctx, post(-100, 1, "a1", "", "f1"))
	c.Offer(ctx, post(-200, 1, "a1", "", "g1")) // same album key, other channel
	c.Offer(ctx, post(-100, 5, "a2", "", "f5"))

	items := waitForItems(t, f, 3)
	for _, it := range items {
		if len(it.Parts) != 1 {
			t.Fatalf("albums mixed: %+v", it)
		}
	}
}

func TestUnboundChannelDropped(t *testing.T) {
	t.Parallel()
	f := newFakeStore()
	c := New(f, 10*time.Millisecond, logx.Nop())
	defer c.Close()

	c.Offer(context.Background(), post(-555, 1, "", "x", "f1"))
	time.Sleep(50 * time.Millisecond)
	if len(f.snapshot()) != 0 {
		t.Fatal("post from unbound channel produced an item")
	}
}

func TestCloseFlushesPending(t *testing.T) {
	t.Parallel()
	f := newFakeStore()
	f.catalogs[-100] = &storage.Catalog{Code: "alpha"}
	c := New(f, time.Hour, logx.Nop())

	c.Offer(context.Background(), post(-100, 1, "alb", "", "f1"))
	c.Offer(context.Background(), post(-100, 2, "alb", "", "f2"))
	c.Close()

	items := f.snapshot()
	if len(items) != 1 || len(items[0].Parts) != 2 {
		t.Fatalf("close did not flush buffered album: %+v", items)
	}
}

func TestLatePartAfterFlushDropped(t *testing.T) {
	t.Parallel()
	f := newFakeStore()
	f.catalogs[-100] = &storage.Catalog{Code: "alpha"}
	c := New(f, 15*time.Millisecond, logx.Nop())
	defer c.Close()

	ctx := context.Background()
	c.Offer(ctx, post(-100, 1, "alb", "", "f1"))
	waitForItems(t, f, 1)

	// The straggler must not spawn a second item for the same album.
	c.Offer(ctx, post(-100, 2, "alb", "", "f2"))
	time.Sleep(60 * time.Millisecond)
	if items := f.snapshot(); len(items) != 1 {
		t.Fatalf("late part spawned item: %+v", items)
	}
}

func TestExpiredTombstonesSwept(t *testing.T) {
	t.Parallel()
	f := newFakeStore()
	f.catalogs[-100] = &storage.Catalog{Code: "alpha"}
	c := New(f, 5*time.Millisecond, logx.Nop())
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		c.Offer(ctx, post(-100, i+1, "alb-"+string(rune('a'+i)), "", "f"))
	}
	waitForItems(t, f, 20)

	// Album keys are unique per burst, so expired tombstones must be
	// swept by later flushes, not by a repeat of the same key.
	time.Sleep(80 * time.Millisecond) // past the 10x debounce drop window
	c.Offer(ctx, post(-100, 100, "alb-final", "", "f"))
	waitForItems(t, f, 21)

	c.mu.Lock()
	n := len(c.consumed)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("consumed map holds %d entries, want 1", n)
	}
}
