// Package ingest turns raw channel posts into catalog items. Album posts
// arrive as separate messages in arbitrary order; the collector buffers them
// per album key and flushes once the burst goes quiet.
package ingest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"previewbot/internal/storage"
	kit "previewbot/internal/transport"
	logx "previewbot/pkg/logx"
)

// DefaultDebounce is the quiet period after which a buffered album is
// considered complete.
const DefaultDebounce = time.Second

// Store is the slice of storage the collector needs.
type Store interface {
	CatalogByChannel(ctx context.Context, channelID int64) (*storage.Catalog, error)
	CreateItem(ctx context.Context, item *storage.ContentItem) error
}

type groupKey struct {
	chatID int64
	album  string
}

type pendingGroup struct {
	parts []kit.ChannelPost
	timer *time.Timer
}

// Collector buffers multi-part channel posts and writes completed items.
type Collector struct {
	store    Store
	log      logx.Logger
	debounce time.Duration

	mu       sync.Mutex
	groups   map[groupKey]*pendingGroup
	consumed map[groupKey]time.Time
	closed   bool
}

func New(store Store, debounce time.Duration, log logx.Logger) *Collector {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		store:    store,
		log:      log.With(logx.String("component", "ingest")),
		debounce: debounce,
		groups:   make(map[groupKey]*pendingGroup),
		consumed: make(map[groupKey]time.Time),
	}
}

// Offer feeds one observed channel post into the collector. Standalone posts
// become items immediately; album parts are buffered until the album's quiet
// period elapses. Each arriving part restarts the window, so slow multi-part
// bursts still land in a single item.
func (c *Collector) Offer(ctx context.Context, post kit.ChannelPost) {
	if post.Part.FileID == "" {
		return
	}
	if post.GroupKey == "" {
		c.build(context.WithoutCancel(ctx), []kit.ChannelPost{post})
		return
	}

	key := groupKey{chatID: post.ChatID, album: post.GroupKey}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	// A part arriving after its album already flushed is dropped rather
	// than spawning a second item for the same burst.
	if when, done := c.consumed[key]; done {
		if time.Since(when) < 10*c.debounce {
			c.log.Debug("late album part dropped",
				logx.Int64("chat_id", post.ChatID), logx.String("album", post.GroupKey))
			return
		}
		delete(c.consumed, key)
	}
	g, ok := c.groups[key]
	if !ok {
		g = &pendingGroup{}
		c.groups[key] = g
	}
	g.parts = append(g.parts, post)
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(c.debounce, func() { c.flush(key) })
}

func (c *Collector) flush(key groupKey) {
	c.mu.Lock()
	g, ok := c.groups[key]
	if ok {
		delete(c.groups, key)
		c.consumed[key] = time.Now()
	}
	c.sweepConsumedLocked()
	c.mu.Unlock()
	if !ok || len(g.parts) == 0 {
		return
	}
	c.build(context.Background(), g.parts)
}

// sweepConsumedLocked drops tombstones whose drop window has passed, keeping
// the map bounded by recent albums. Album keys never repeat, so expiry must
// not wait for a second arrival of the same key.
func (c *Collector) sweepConsumedLocked() {
	cutoff := time.Now().Add(-10 * c.debounce)
	for k, when := range c.consumed {
		if when.Before(cutoff) {
			delete(c.consumed, k)
		}
	}
}

// Close cancels pending timers and flushes whatever is buffered so a burst
// interrupted by shutdown is not lost.
func (c *Collector) Close() {
	c.mu.Lock()
	c.closed = true
	remaining := c.groups
	c.groups = make(map[groupKey]*pendingGroup)
	c.mu.Unlock()

	for _, g := range remaining {
		if g.timer != nil {
			g.timer.Stop()
		}
		if len(g.parts) > 0 {
			c.build(context.Background(), g.parts)
		}
	}
}

func (c *Collector) build(ctx context.Context, posts []kit.ChannelPost) {
	sort.Slice(posts, func(i, j int) bool { return posts[i].Seq < posts[j].Seq })

	chatID := posts[0].ChatID
	cat, err := c.store.CatalogByChannel(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		c.log.Debug("post from unbound channel dropped", logx.Int64("chat_id", chatID))
		return
	}
	if err != nil {
		c.log.Error("catalog lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}

	// Channel posts carry no separate title; the caption is the item's
	// description and the title stays empty until an operator fills it in.
	item := &storage.ContentItem{
		CatalogCode: cat.Code,
		Description: firstCaption(posts),
	}
	for _, p := range posts {
		item.Parts = append(item.Parts, storage.MediaPart{
			Kind:            p.Part.Kind,
			FileID:          p.Part.FileID,
			DedupKey:        p.Part.DedupKey,
			OriginChatID:    p.ChatID,
			OriginMessageID: int64(p.MessageID),
		})
	}

	if err := c.store.CreateItem(ctx, item); err != nil {
		c.log.Error("item write failed",
			logx.String("catalog", cat.Code),
			logx.Int("parts", len(item.Parts)),
			logx.Err(err))
		return
	}
	c.log.Info("item collected",
		logx.String("catalog", cat.Code),
		logx.Int64("item_id", item.ID),
		logx.Int("parts", len(item.Parts)))
}

// firstCaption returns the caption of the earliest part that carries one.
func firstCaption(posts []kit.ChannelPost) string {
	for _, p := range posts {
		if s := strings.TrimSpace(p.Caption); s != "" {
			return s
		}
	}
	return ""
}
