package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"previewbot/internal/eventbus"
	"previewbot/internal/storage"
	logx "previewbot/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	events  []storage.Event
	pruned  []time.Time
	pruneN  int64
	openErr error
}

func (f *fakeStore) AppendEvent(_ context.Context, e storage.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) PruneEvents(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, before)
	return f.pruneN, nil
}

func (f *fakeStore) snapshot() []storage.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Event(nil), f.events...)
}

func TestRecorderPersistsPublishedEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	store := &fakeStore{}
	r := New(bus, store, Config{}, logx.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	Publish(bus, storage.Event{Type: storage.EventPageView, SubscriberID: 7, Page: 2})
	// Unrelated bus traffic must be ignored.
	bus.Publish(eventbus.Event{Type: "something.else", Data: 42})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.snapshot()) >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	events := store.snapshot()
	if len(events) != 1 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	e := events[0]
	if e.Type != storage.EventPageView || e.SubscriberID != 7 || e.Page != 2 {
		t.Fatalf("event: %+v", e)
	}
	if e.At.IsZero() {
		t.Fatal("event time not stamped")
	}
}

func TestRecorderStopDrainsCleanly(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	store := &fakeStore{}
	r := New(bus, store, Config{}, logx.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Stop()
	// Idempotent.
	r.Stop()

	// Publishing after stop must not panic or block.
	Publish(bus, storage.Event{Type: storage.EventAdView})
}

func TestPruneUsesRetentionCutoff(t *testing.T) {
	t.Parallel()
	store := &fakeStore{pruneN: 3}
	r := New(eventbus.New(), store, Config{Retention: 24 * time.Hour}, logx.Nop())

	r.prune(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.pruned) != 1 {
		t.Fatalf("prune calls: %d", len(store.pruned))
	}
	cutoff := store.pruned[0]
	want := time.Now().Add(-24 * time.Hour)
	if d := cutoff.Sub(want); d < -time.Minute || d > time.Minute {
		t.Fatalf("cutoff %v not near %v", cutoff, want)
	}
}

func TestBadScheduleRejected(t *testing.T) {
	t.Parallel()
	r := New(eventbus.New(), &fakeStore{}, Config{
		Retention:     time.Hour,
		PruneSchedule: "not a cron spec",
	}, logx.Nop())

	if err := r.Start(context.Background()); err == nil {
		r.Stop()
		t.Fatal("invalid schedule accepted")
	}
}
