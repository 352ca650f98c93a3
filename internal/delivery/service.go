// Package delivery drives the subscriber-facing preview flow: the /start
// entry point, paging through catalog items, the timed ad pause between
// pages, and the preview cutoff.
package delivery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"previewbot/internal/eventbus"
	"previewbot/internal/stats"
	"previewbot/internal/storage"
	kit "previewbot/internal/transport"
	logx "previewbot/pkg/logx"
)

// Callback data values understood by the flow.
const (
	cbNext     = "next"
	cbAdPrefix = "ad:"
)

// Store is the slice of storage the delivery flow needs.
type Store interface {
	CatalogByCode(ctx context.Context, code string) (*storage.Catalog, error)
	UpsertSubscriber(ctx context.Context, sub storage.Subscriber) (bool, error)
	SessionFor(ctx context.Context, subscriberID int64) (*storage.Session, error)
	ResetSession(ctx context.Context, subscriberID int64, catalogCode string) error
	CommitSession(ctx context.Context, sess *storage.Session) error
	CoverItem(ctx context.Context, code string) (*storage.ContentItem, error)
	NonCoverItems(ctx context.Context, code string) ([]storage.ContentItem, error)
	PartsForItem(ctx context.Context, itemID int64) ([]storage.MediaPart, error)
	CreativeByID(ctx context.Context, id int64) (*storage.Creative, error)
}

// FileResolver maps an asset's canonical identifier to the one the active
// bot identity can send.
type FileResolver interface {
	FileID(ctx context.Context, dedupKey, primary string) string
}

// AdPicker selects the next creative in rotation.
type AdPicker interface {
	Pick(ctx context.Context, catalogCode string, pointer int) (*storage.Creative, int, error)
}

// Config for the delivery flow.
type Config struct {
	// PreviewLimit caps how many items a subscriber may page through.
	PreviewLimit int
	// WaitSeconds is the pause ladder between pages; the subscriber's
	// wait count indexes into it and the last entry repeats.
	WaitSeconds []int
	// PlatformURL is where subscribers are pointed once the preview ends.
	PlatformURL string
}

// Service is the per-subscriber preview state machine. All state lives in
// the session row; the only in-memory piece is the suspension set that keeps
// a subscriber from skipping an in-flight countdown.
type Service struct {
	store    Store
	sender   kit.Sender
	resolver FileResolver
	picker   AdPicker
	bus      eventbus.Bus
	log      logx.Logger
	cfg      Config

	// sleep is swapped out by tests to make countdowns instant.
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	suspended map[int64]struct{}
	wg        sync.WaitGroup
}

func New(store Store, sender kit.Sender, resolver FileResolver, picker AdPicker, bus eventbus.Bus, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = 5
	}
	if len(cfg.WaitSeconds) == 0 {
		cfg.WaitSeconds = []int{2, 3, 4, 5, 5, 5, 5}
	}
	if picker == nil {
		picker = noAds{}
	}
	return &Service{
		store:     store,
		sender:    sender,
		resolver:  resolver,
		picker:    picker,
		bus:       bus,
		log:       log.With(logx.String("component", "delivery")),
		cfg:       cfg,
		sleep:     sleepCtx,
		suspended: make(map[int64]struct{}),
	}
}

type noAds struct{}

func (noAds) Pick(_ context.Context, _ string, pointer int) (*storage.Creative, int, error) {
	return nil, pointer, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until all in-flight countdowns have finished. Used on shutdown.
func (s *Service) Wait() { s.wg.Wait() }

// HandleStart processes "/start <code>". An unknown or inactive catalog gets
// a polite text; otherwise the session is rebound to the catalog from the
// top and the cover (or first item) goes out.
func (s *Service) HandleStart(ctx context.Context, msg kit.Message) {
	code := startPayload(msg.Text)
	chat := kit.ChatTarget{ChatID: msg.ChatID}

	created, err := s.store.UpsertSubscriber(ctx, storage.Subscriber{
		ID:          msg.FromID,
		Username:    msg.FromUsername,
		FullName:    msg.FromName,
		CatalogCode: code,
	})
	if err != nil {
		s.log.Error("subscriber upsert failed", logx.Int64("subscriber", msg.FromID), logx.Err(err))
		return
	}
	if created {
		stats.Publish(s.bus, storage.Event{
			Type:         storage.EventUserStart,
			SubscriberID: msg.FromID,
			CatalogCode:  code,
		})
	}

	if code == "" {
		// A bare /start only answers subscribers with an existing
		// session; strangers without a preview link get silence.
		if _, err := s.store.SessionFor(ctx, msg.FromID); err == nil {
			_, _ = s.sender.SendText(ctx, chat, msgWelcomeBack, &kit.SendOptions{
				Buttons: [][]kit.Button{{{Text: btnNext, Data: cbNext}}},
			})
		}
		return
	}
	cat, err := s.store.CatalogByCode(ctx, code)
	if err != nil || !cat.Active {
		_, _ = s.sender.SendText(ctx, chat, msgUnknownCatalog, nil)
		return
	}

	if err := s.store.ResetSession(ctx, msg.FromID, cat.Code); err != nil {
		s.log.Error("session reset failed", logx.Int64("subscriber", msg.FromID), logx.Err(err))
		return
	}

	cover, err := s.store.CoverItem(ctx, cat.Code)
	if err == nil {
		s.renderItem(ctx, chat, cover, true)
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("cover lookup failed", logx.String("catalog", cat.Code), logx.Err(err))
		return
	}

	// No cover: deliver the first item directly.
	sess, err := s.store.SessionFor(ctx, msg.FromID)
	if err != nil {
		s.log.Error("session load failed", logx.Int64("subscriber", msg.FromID), logx.Err(err))
		return
	}
	s.deliverCurrent(ctx, chat, sess)
}

// HandleCallback routes an inline button press.
func (s *Service) HandleCallback(ctx context.Context, cb kit.Callback) {
	switch {
	case cb.Data == cbNext:
		s.handleNext(ctx, cb)
	case strings.HasPrefix(cb.Data, cbAdPrefix):
		s.handleAdClick(ctx, cb)
	default:
		_ = s.sender.AnswerCallback(ctx, cb.ID, "")
	}
}

func (s *Service) handleNext(ctx context.Context, cb kit.Callback) {
	if !s.suspend(cb.FromID) {
		_ = s.sender.AnswerCallback(ctx, cb.ID, msgPleaseWait)
		return
	}
	_ = s.sender.AnswerCallback(ctx, cb.ID, "")

	sess, err := s.store.SessionFor(ctx, cb.FromID)
	if err != nil {
		s.resume(cb.FromID)
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("session load failed", logx.Int64("subscriber", cb.FromID), logx.Err(err))
		}
		return
	}

	chat := kit.ChatTarget{ChatID: cb.ChatID}
	items, err := s.store.NonCoverItems(ctx, sess.CatalogCode)
	if err != nil {
		s.resume(cb.FromID)
		s.log.Error("item list failed", logx.String("catalog", sess.CatalogCode), logx.Err(err))
		return
	}

	if sess.Cursor >= s.cfg.PreviewLimit || sess.Cursor >= len(items) {
		s.resume(cb.FromID)
		s.finishPreview(ctx, chat, sess)
		return
	}

	// Detached from the callback's lifetime: the countdown outlives the
	// update that triggered it.
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.resume(cb.FromID)
		s.pauseThenDeliver(runCtx, chat, sess, items)
	}()
}

// pauseThenDeliver shows the rotation's next creative, holds the subscriber
// for the ladder wait, then delivers the item at the cursor.
func (s *Service) pauseThenDeliver(ctx context.Context, chat kit.ChatTarget, sess *storage.Session, items []storage.ContentItem) {
	wait := s.waitFor(sess.WaitCount)

	creative, nextPointer, err := s.picker.Pick(ctx, sess.CatalogCode, sess.AdPointer)
	if err != nil {
		s.log.Warn("ad pick failed", logx.String("catalog", sess.CatalogCode), logx.Err(err))
		creative, nextPointer = nil, sess.AdPointer
	}
	if creative != nil {
		// The view counts as soon as the creative is on screen,
		// independent of whether the delivery after it succeeds.
		stats.Publish(s.bus, storage.Event{
			Type:         storage.EventAdView,
			SubscriberID: sess.SubscriberID,
			CatalogCode:  sess.CatalogCode,
			CreativeID:   creative.ID,
		})
		s.renderCreative(ctx, chat, creative)
	}

	if wait > 0 {
		s.countdown(ctx, chat, wait)
	}

	item := items[sess.Cursor]
	parts, err := s.store.PartsForItem(ctx, item.ID)
	if err != nil {
		s.log.Error("part load failed", logx.Int64("item", item.ID), logx.Err(err))
		return
	}
	item.Parts = parts
	s.renderItem(ctx, chat, &item, true)

	page := sess.Cursor + 1
	stats.Publish(s.bus, storage.Event{
		Type:         storage.EventPageView,
		SubscriberID: sess.SubscriberID,
		CatalogCode:  sess.CatalogCode,
		ItemID:       item.ID,
		Page:         page,
	})

	sess.Cursor++
	sess.WaitCount++
	sess.AdPointer = nextPointer
	if err := s.store.CommitSession(ctx, sess); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another update (typically a fresh /start) rebound the
			// session mid-countdown; its state wins.
			s.log.Debug("session commit lost race", logx.Int64("subscriber", sess.SubscriberID))
			return
		}
		s.log.Error("session commit failed", logx.Int64("subscriber", sess.SubscriberID), logx.Err(err))
	}
}

// countdown posts a ticking message and edits it once per second. Edit
// failures are swallowed: the pause itself is what matters, not the ticker.
func (s *Service) countdown(ctx context.Context, chat kit.ChatTarget, wait int) {
	ref, err := s.sender.SendText(ctx, chat, countdownText(wait), nil)
	if err != nil {
		// Still honor the pause even if the ticker never rendered.
		for i := 0; i < wait; i++ {
			if s.sleep(ctx, time.Second) != nil {
				return
			}
		}
		return
	}
	for n := wait - 1; n >= 1; n-- {
		if s.sleep(ctx, time.Second) != nil {
			return
		}
		_ = s.sender.EditText(ctx, ref, countdownText(n), nil)
	}
	if s.sleep(ctx, time.Second) != nil {
		return
	}
	_ = s.sender.DeleteMessage(ctx, ref)
}

func (s *Service) handleAdClick(ctx context.Context, cb kit.Callback) {
	id, err := strconv.ParseInt(strings.TrimPrefix(cb.Data, cbAdPrefix), 10, 64)
	if err != nil {
		_ = s.sender.AnswerCallback(ctx, cb.ID, "")
		return
	}
	stats.Publish(s.bus, storage.Event{
		Type:         storage.EventAdClick,
		SubscriberID: cb.FromID,
		CreativeID:   id,
	})

	creative, err := s.store.CreativeByID(ctx, id)
	if err != nil || creative.TargetURL == "" {
		_ = s.sender.AnswerCallback(ctx, cb.ID, "")
		return
	}
	_ = s.sender.AnswerCallback(ctx, cb.ID, "")
	_, _ = s.sender.SendText(ctx, kit.ChatTarget{ChatID: cb.ChatID}, creative.TargetURL, &kit.SendOptions{
		DisablePreview: false,
	})
}

// finishPreview closes out the preview and rewinds cursor and wait count so
// the next press starts the catalog over. The ad pointer keeps its place.
func (s *Service) finishPreview(ctx context.Context, chat kit.ChatTarget, sess *storage.Session) {
	stats.Publish(s.bus, storage.Event{
		Type:         storage.EventPreviewEnd,
		SubscriberID: sess.SubscriberID,
		CatalogCode:  sess.CatalogCode,
		Page:         sess.Cursor,
	})
	var opt *kit.SendOptions
	if s.cfg.PlatformURL != "" {
		opt = &kit.SendOptions{Buttons: [][]kit.Button{{
			{Text: btnContinue, URL: s.cfg.PlatformURL},
		}}}
	}
	_, _ = s.sender.SendText(ctx, chat, msgPreviewEnd, opt)

	sess.Cursor = 0
	sess.WaitCount = 0
	if err := s.store.CommitSession(ctx, sess); err != nil && !errors.Is(err, storage.ErrConflict) {
		s.log.Error("session rewind failed", logx.Int64("subscriber", sess.SubscriberID), logx.Err(err))
	}
}

// deliverCurrent sends the item at the session cursor without a pause. Used
// for the very first page when the catalog has no cover.
func (s *Service) deliverCurrent(ctx context.Context, chat kit.ChatTarget, sess *storage.Session) {
	items, err := s.store.NonCoverItems(ctx, sess.CatalogCode)
	if err != nil {
		s.log.Error("item list failed", logx.String("catalog", sess.CatalogCode), logx.Err(err))
		return
	}
	if len(items) == 0 {
		s.finishPreview(ctx, chat, sess)
		return
	}
	item := items[sess.Cursor]
	parts, err := s.store.PartsForItem(ctx, item.ID)
	if err != nil {
		s.log.Error("part load failed", logx.Int64("item", item.ID), logx.Err(err))
		return
	}
	item.Parts = parts
	s.renderItem(ctx, chat, &item, true)

	stats.Publish(s.bus, storage.Event{
		Type:         storage.EventPageView,
		SubscriberID: sess.SubscriberID,
		CatalogCode:  sess.CatalogCode,
		ItemID:       item.ID,
		Page:         sess.Cursor + 1,
	})

	sess.Cursor++
	sess.WaitCount++
	if err := s.store.CommitSession(ctx, sess); err != nil && !errors.Is(err, storage.ErrConflict) {
		s.log.Error("session commit failed", logx.Int64("subscriber", sess.SubscriberID), logx.Err(err))
	}
}

func (s *Service) waitFor(waitCount int) int {
	ladder := s.cfg.WaitSeconds
	if waitCount < 0 {
		waitCount = 0
	}
	if waitCount >= len(ladder) {
		waitCount = len(ladder) - 1
	}
	return ladder[waitCount]
}

// suspend marks the subscriber as mid-countdown. Reports false when a
// countdown is already running for them.
func (s *Service) suspend(subscriberID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.suspended[subscriberID]; busy {
		return false
	}
	s.suspended[subscriberID] = struct{}{}
	return true
}

func (s *Service) resume(subscriberID int64) {
	s.mu.Lock()
	delete(s.suspended, subscriberID)
	s.mu.Unlock()
}

// startPayload extracts the deep-link payload from "/start <payload>".
func startPayload(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/start") {
		return ""
	}
	rest := strings.TrimSpace(strings.TrimPrefix(text, "/start"))
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
