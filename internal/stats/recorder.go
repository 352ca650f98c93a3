// Package stats persists analytics events published on the bus and prunes
// them past their retention window.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"previewbot/internal/eventbus"
	"previewbot/internal/storage"
	logx "previewbot/pkg/logx"
)

// TopicEvent is the bus event type stats listens on. Data carries a
// storage.Event value.
const TopicEvent = "stats.event"

// Publish puts one analytics event on the bus. Fire-and-forget: recording
// must never slow down or fail a delivery.
func Publish(bus eventbus.Bus, e storage.Event) {
	bus.Publish(eventbus.Event{Type: TopicEvent, Data: e})
}

// Store is the slice of storage the recorder needs.
type Store interface {
	AppendEvent(ctx context.Context, e storage.Event) error
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Recorder drains the bus and appends events to storage. A cron entry
// prunes rows older than the retention window.
type Recorder struct {
	bus       eventbus.Bus
	store     Store
	log       logx.Logger
	retention time.Duration
	schedule  string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	cron   *cron.Cron
}

// Config for the recorder. Retention <= 0 disables pruning.
type Config struct {
	Retention     time.Duration
	PruneSchedule string // cron spec; defaults to daily at 04:10
}

func New(bus eventbus.Bus, store Store, cfg Config, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	schedule := cfg.PruneSchedule
	if schedule == "" {
		schedule = "10 4 * * *"
	}
	return &Recorder{
		bus:       bus,
		store:     store,
		log:       log.With(logx.String("component", "stats")),
		retention: cfg.Retention,
		schedule:  schedule,
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})

	ch, unsub := r.bus.Subscribe(256)
	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				r.record(runCtx, ev)
			}
		}
	}()

	if r.retention > 0 {
		c := cron.New()
		if _, err := c.AddFunc(r.schedule, func() { r.prune(runCtx) }); err != nil {
			cancel()
			<-r.done
			r.cancel = nil
			return err
		}
		c.Start()
		r.cron = c
	}
	return nil
}

func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
	r.cancel()
	<-r.done
	r.cancel = nil
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	if ev.Type != TopicEvent {
		return
	}
	e, ok := ev.Data.(storage.Event)
	if !ok {
		return
	}
	if e.At.IsZero() {
		e.At = ev.Time
	}
	if err := r.store.AppendEvent(ctx, e); err != nil {
		r.log.Warn("event append failed", logx.String("type", e.Type), logx.Err(err))
	}
}

func (r *Recorder) prune(ctx context.Context) {
	cutoff := time.Now().Add(-r.retention)
	n, err := r.store.PruneEvents(ctx, cutoff)
	if err != nil {
		r.log.Warn("event prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.log.Info("events pruned", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	}
}
