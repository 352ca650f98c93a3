package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"previewbot/internal/storage"
	kit "previewbot/internal/transport"
	logx "previewbot/pkg/logx"
)

var (
	// ErrNotConfigured is returned when no backup identity has been set up.
	ErrNotConfigured = errors.New("backup identity not configured")
	// ErrAlreadyConfigured is returned when a backup identity exists and
	// must be deleted before a new one can be set up.
	ErrAlreadyConfigured = errors.New("backup identity already configured")
	// ErrSyncRunning is returned when a backfill run is already in flight.
	ErrSyncRunning = errors.New("sync already running")
	// ErrBackupActive is returned when an operation requires the primary
	// identity to be the active one.
	ErrBackupActive = errors.New("backup identity is active")
)

// Store is the slice of storage the orchestrator needs.
type Store interface {
	ChannelConfig(ctx context.Context) (*storage.ChannelConfig, error)
	SaveChannelConfig(ctx context.Context, c storage.ChannelConfig) error
	DeleteChannelConfig(ctx context.Context) error
	UpdateSyncStatus(ctx context.Context, status, errMsg string) error
	SetSyncTotals(ctx context.Context, total int) error
	IncrementSyncCounters(ctx context.Context, synced, failed int) error
	SetBackupActive(ctx context.Context, active bool) error
	AssetsNeedingSync(ctx context.Context) ([]storage.SyncAsset, error)
	UpsertMapping(ctx context.Context, m storage.IdentityMapping) error
}

// IssuerFactory builds an issuer for a bot token. Construction validates the
// token against the platform.
type IssuerFactory func(token string) (kit.Issuer, error)

// Orchestrator owns the backup identity lifecycle: configuration, the
// backfill run that mints backup identifiers, and the active/standby switch.
type Orchestrator struct {
	store      Store
	primary    kit.Issuer
	newIssuer  IssuerFactory
	rendezvous int64
	limiter    *rate.Limiter
	log        logx.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Config for the orchestrator. RendezvousChannelID is the channel both bot
// identities can post to; SyncDelay spaces out mint operations so a long
// backfill stays under the platform's rate limits.
type Config struct {
	RendezvousChannelID int64
	SyncDelay           time.Duration
}

func NewOrchestrator(store Store, primary kit.Issuer, factory IssuerFactory, cfg Config, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	delay := cfg.SyncDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Orchestrator{
		store:      store,
		primary:    primary,
		newIssuer:  factory,
		rendezvous: cfg.RendezvousChannelID,
		limiter:    rate.NewLimiter(rate.Every(delay), 1),
		log:        log.With(logx.String("component", "failover")),
	}
}

// Configure validates the backup token and persists the backup identity.
// A stored identity must be deleted before a new one can be configured, so
// mappings minted for one identity never masquerade as another's.
func (o *Orchestrator) Configure(ctx context.Context, token string) (*storage.ChannelConfig, error) {
	if _, err := o.store.ChannelConfig(ctx); err == nil {
		return nil, ErrAlreadyConfigured
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	issuer, err := o.newIssuer(token)
	if err != nil {
		return nil, fmt.Errorf("backup token rejected: %w", err)
	}
	id, username := issuer.Identity()
	if primaryID, _ := o.primary.Identity(); id == primaryID {
		return nil, errors.New("backup token belongs to the primary bot")
	}

	if o.rendezvous != 0 {
		ok, err := issuer.IsChannelAdmin(ctx, o.rendezvous)
		if err != nil {
			return nil, fmt.Errorf("rendezvous channel check: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("backup bot @%s is not an admin of the rendezvous channel", username)
		}
	}

	cfg := storage.ChannelConfig{
		BackupToken:    token,
		BackupBotID:    id,
		BackupUsername: username,
		SyncStatus:     storage.SyncPending,
	}
	if err := o.store.SaveChannelConfig(ctx, cfg); err != nil {
		return nil, err
	}
	o.log.Info("backup identity configured",
		logx.Int64("bot_id", id), logx.String("username", username))
	return o.store.ChannelConfig(ctx)
}

// StartSync kicks off a backfill run in the background. Only one run may be
// in flight; a second call returns ErrSyncRunning.
func (o *Orchestrator) StartSync(ctx context.Context) error {
	cfg, err := o.store.ChannelConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotConfigured
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrSyncRunning
	}
	o.running = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	backup, err := o.newIssuer(cfg.BackupToken)
	if err != nil {
		o.finishRun()
		msg := fmt.Sprintf("stored backup token no longer valid: %v", err)
		_ = o.store.UpdateSyncStatus(ctx, storage.SyncError, msg)
		return errors.New(msg)
	}

	runID := uuid.NewString()
	go o.run(runCtx, runID, backup, o.done)
	return nil
}

// StopSync cancels an in-flight run and waits for it to wind down.
func (o *Orchestrator) StopSync() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (o *Orchestrator) finishRun() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.running = false
	o.cancel = nil
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, runID string, backup kit.Issuer, done chan struct{}) {
	defer close(done)
	defer o.finishRun()

	log := o.log.With(logx.String("run_id", runID))

	if err := o.store.UpdateSyncStatus(ctx, storage.SyncRunning, ""); err != nil {
		log.Error("status transition failed", logx.Err(err))
		return
	}

	assets, err := o.store.AssetsNeedingSync(ctx)
	if err != nil {
		log.Error("asset scan failed", logx.Err(err))
		_ = o.store.UpdateSyncStatus(ctx, storage.SyncError, err.Error())
		return
	}
	if err := o.store.SetSyncTotals(ctx, len(assets)); err != nil {
		log.Error("progress seed failed", logx.Err(err))
	}
	log.Info("backfill started", logx.Int("assets", len(assets)))

	var synced, failed int
	for _, asset := range assets {
		if err := o.limiter.Wait(ctx); err != nil {
			_ = o.store.UpdateSyncStatus(context.WithoutCancel(ctx), storage.SyncError, "run canceled")
			log.Warn("backfill canceled", logx.Int("synced", synced), logx.Int("failed", failed))
			return
		}
		if err := o.mintOne(ctx, backup, asset); err != nil {
			failed++
			_ = o.store.IncrementSyncCounters(ctx, 0, 1)
			log.Warn("asset mint failed", logx.String("dedup_key", asset.DedupKey), logx.Err(err))
			continue
		}
		synced++
		_ = o.store.IncrementSyncCounters(ctx, 1, 0)
	}

	if failed > 0 {
		msg := fmt.Sprintf("%d of %d assets failed to sync", failed, len(assets))
		if err := o.store.UpdateSyncStatus(ctx, storage.SyncError, msg); err != nil {
			log.Error("status transition failed", logx.Err(err))
		}
	} else if err := o.store.UpdateSyncStatus(ctx, storage.SyncDone, ""); err != nil {
		log.Error("status transition failed", logx.Err(err))
	}
	log.Info("backfill finished", logx.Int("synced", synced), logx.Int("failed", failed))
}

// mintOne obtains a backup file identifier for one asset. When the asset's
// original channel post is known, the backup identity forwards it into the
// rendezvous channel; the file on the forwarded copy carries the
// backup-namespace identifier. Assets without an origin first get staged
// into the rendezvous channel by the primary identity, since only the
// primary can send by the primary file id. Scratch messages are removed
// afterwards, best effort.
func (o *Orchestrator) mintOne(ctx context.Context, backup kit.Issuer, asset storage.SyncAsset) error {
	target := kit.ChatTarget{ChatID: o.rendezvous}

	source := kit.MessageRef{
		ChatID:    asset.OriginChatID,
		MessageID: int(asset.OriginMessageID),
	}
	if asset.OriginChatID == 0 || asset.OriginMessageID == 0 {
		staged, _, err := o.primary.Republish(ctx, target, kit.Media{
			Kind:   kit.MediaKind(asset.Kind),
			FileID: asset.FileID,
		})
		if err != nil {
			return fmt.Errorf("stage asset: %w", err)
		}
		defer func() { _ = o.primary.DeleteMessage(context.WithoutCancel(ctx), staged) }()
		source = staged
	}

	copied, minted, err := backup.Forward(ctx, target, source)
	if err != nil {
		return fmt.Errorf("mint backup id: %w", err)
	}
	defer func() { _ = backup.DeleteMessage(context.WithoutCancel(ctx), copied) }()

	if minted.FileID == "" {
		return errors.New("forwarded copy carried no media")
	}

	return o.store.UpsertMapping(ctx, storage.IdentityMapping{
		DedupKey:      asset.DedupKey,
		PrimaryFileID: asset.FileID,
		BackupFileID:  minted.FileID,
		OriginKind:    asset.OriginKind,
		OriginID:      asset.OriginID,
	})
}

// ActivateBackup switches resolution to the backup identifier namespace.
func (o *Orchestrator) ActivateBackup(ctx context.Context) error {
	cfg, err := o.store.ChannelConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotConfigured
	}
	if err != nil {
		return err
	}
	if cfg.SyncStatus != storage.SyncDone {
		return fmt.Errorf("cannot activate backup while sync is %s", cfg.SyncStatus)
	}
	return o.store.SetBackupActive(ctx, true)
}

// ActivatePrimary switches resolution back to the primary namespace.
func (o *Orchestrator) ActivatePrimary(ctx context.Context) error {
	err := o.store.SetBackupActive(ctx, false)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotConfigured
	}
	return err
}

// Status returns the stored backup configuration and sync progress.
func (o *Orchestrator) Status(ctx context.Context) (*storage.ChannelConfig, error) {
	cfg, err := o.store.ChannelConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	return cfg, err
}

// DeleteConfig stops any run and removes the backup identity together with
// all minted mappings. Refused while the backup identity is serving traffic;
// switch back to primary first.
func (o *Orchestrator) DeleteConfig(ctx context.Context) error {
	cfg, err := o.store.ChannelConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotConfigured
	}
	if err != nil {
		return err
	}
	if cfg.BackupActive {
		return ErrBackupActive
	}
	o.StopSync()
	err = o.store.DeleteChannelConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotConfigured
	}
	return err
}
