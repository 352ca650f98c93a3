// Package app assembles the bot from its parts and owns the update
// dispatch loop plus ordered shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"previewbot/internal/adminapi"
	"previewbot/internal/ads"
	"previewbot/internal/catalog"
	"previewbot/internal/config"
	"previewbot/internal/delivery"
	"previewbot/internal/eventbus"
	"previewbot/internal/failover"
	"previewbot/internal/ingest"
	"previewbot/internal/observability/pprof"
	"previewbot/internal/stats"
	"previewbot/internal/storage"
	kit "previewbot/internal/transport"
	telegram "previewbot/internal/transport/telegram"
	logx "previewbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	adapter   *telegram.Adapter
	store     *storage.Store
	bus       eventbus.Bus
	recorder  *stats.Recorder
	catalogs  *catalog.Service
	collector *ingest.Collector
	orch      *failover.Orchestrator
	delivery  *delivery.Service
	admin     *adminapi.Server
	pprof     *pprof.Service

	updates chan kit.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	// The adapter exists before the log service because it carries the
	// Telegram log sink; bootstrap it with a console-only logger.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.BotToken(),
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), adapter)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	retention, err := config.ParseDurationOrDefault("stats.retention", cfg.Stats.Retention, 90*24*time.Hour)
	if err != nil {
		return nil, err
	}
	recorder := stats.New(bus, store, stats.Config{
		Retention:     retention,
		PruneSchedule: cfg.Stats.PruneSchedule,
	}, log.With(logx.String("comp", "stats")))

	catalogs := catalog.New(store, log.With(logx.String("comp", "catalog")))

	debounce, err := config.ParseDurationOrDefault("ingest.debounce", cfg.Ingest.Debounce, ingest.DefaultDebounce)
	if err != nil {
		return nil, err
	}
	collector := ingest.New(catalogs, debounce, log.With(logx.String("comp", "ingest")))

	syncDelay, err := config.ParseDurationOrDefault("failover.sync_delay", cfg.Failover.SyncDelay, 300*time.Millisecond)
	if err != nil {
		return nil, err
	}
	orch := failover.NewOrchestrator(store, adapter.AsIssuer(),
		func(token string) (kit.Issuer, error) {
			iss, err := telegram.NewIssuer(token)
			if err != nil {
				return nil, err
			}
			return iss, nil
		},
		failover.Config{
			RendezvousChannelID: cfg.Telegram.RendezvousChannelID,
			SyncDelay:           syncDelay,
		}, log.With(logx.String("comp", "failover")))

	resolver := failover.NewResolver(store, log.With(logx.String("comp", "failover")))

	deliverySvc := delivery.New(store, adapter, resolver, ads.New(store), bus,
		delivery.Config{
			PreviewLimit: cfg.PreviewLimit(),
			WaitSeconds:  cfg.WaitTable(),
			PlatformURL:  cfg.Delivery.PlatformURL,
		}, log.With(logx.String("comp", "delivery")))

	var admin *adminapi.Server
	if cfg.Admin.Enabled {
		admin, err = adminapi.NewServer(adminapi.Config{
			Addr:      cfg.Admin.Addr,
			TokenHash: cfg.Admin.TokenHash,
		}, catalogs, store, orch, log.With(logx.String("comp", "admin")))
		if err != nil {
			_ = store.Close()
			logSvc.Close()
			return nil, err
		}
	}

	pprofSvc := pprof.New(pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		adapter:   adapter,
		store:     store,
		bus:       bus,
		recorder:  recorder,
		catalogs:  catalogs,
		collector: collector,
		orch:      orch,
		delivery:  deliverySvc,
		admin:     admin,
		pprof:     pprofSvc,
		updates:   make(chan kit.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.recorder.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("stats recorder: %w", err)
	}
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}

	if a.admin != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.admin.Start(); err != nil {
				a.log.Error("admin server exited", logx.Err(err))
			}
		}()
	}

	if a.pprof.Enabled() {
		if err := a.pprof.Start(); err != nil {
			a.log.Warn("pprof not started", logx.Err(err))
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatch(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reloadLoop(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("started")
	return nil
}

// dispatch routes inbound updates to the owning service. Handlers run
// inline: the adapter's channel buffer absorbs bursts and delivery spawns
// its own goroutines for timed pauses.
func (a *App) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-a.updates:
			if !ok {
				return
			}
			switch u.Kind {
			case kit.UpdateMessage:
				if u.Message != nil && strings.HasPrefix(u.Message.Text, "/start") {
					a.delivery.HandleStart(ctx, *u.Message)
				}
			case kit.UpdateCallback:
				if u.Callback != nil {
					a.delivery.HandleCallback(ctx, *u.Callback)
				}
			case kit.UpdateChannelPost:
				if u.ChannelPost != nil {
					a.collector.Offer(ctx, *u.ChannelPost)
				}
			}
		}
	}
}

// reloadLoop applies config changes that are safe to take live. Logging
// swaps in place; everything else needs a restart and says so.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(mapLogConfig(cfg))
			a.log.Info("config reloaded; non-logging changes take effect on restart")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Inbound first so nothing new arrives, then flush what is in flight.
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("collector", 2*time.Second, func(context.Context) error { a.collector.Close(); return nil })
	step("delivery", 5*time.Second, func(context.Context) error { a.delivery.Wait(); return nil })
	step("failover", 2*time.Second, func(context.Context) error { a.orch.StopSync(); return nil })
	if a.admin != nil {
		step("admin", 3*time.Second, a.admin.Shutdown)
	}
	if a.pprof.Enabled() {
		step("pprof", 1*time.Second, a.pprof.Stop)
	}
	step("stats", 2*time.Second, func(context.Context) error { a.recorder.Stop(); return nil })

	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown deadline reached before all loops exited")
	}

	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}
