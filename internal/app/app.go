package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"propsync/internal/cache"
	"propsync/internal/config"
	"propsync/internal/defaults"
	"propsync/internal/encryption"
	"propsync/internal/outbox"
	"propsync/internal/propsync"
	"propsync/internal/remote"
)

// ErrUnknownKind is returned for an entity kind that is not bundled.
var ErrUnknownKind = errors.New("unknown entity kind")

// PassphraseFunc supplies the passphrase that unlocks the cache keys.
type PassphraseFunc func() (string, error)

// Options adjusts how an App is built.
type Options struct {
	// Operation names the command being run, e.g. "FetchAll" or "Serve".
	Operation string
	// Passphrase is consulted only when cache encryption is enabled.
	Passphrase PassphraseFunc
	// Logger replaces the file-backed logger. Used by tests.
	Logger propsync.Logger
}

// App is the application layer between the CLI (or HTTP facade) and the
// synchronizers. It builds every dependency from config and owns their
// lifecycle.
type App struct {
	cfg      *config.Config
	kv       propsync.KeyValueStore
	remote   propsync.RemoteStore
	health   *propsync.HealthMonitor
	queue    *outbox.Queue
	replayer *outbox.Replayer
	syncers  map[string]*propsync.Synchronizer
	logger   propsync.Logger
	op       *Operation
	logFile  *os.File
}

// New creates a fully wired App from cfg. The caller must call Close.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{cfg: cfg, logger: opts.Logger}
	clock := propsync.RealClock{}
	a.op = NewOperation(opts.Operation, clock)

	if a.logger == nil {
		logger, f, err := newLogger(cfg.LogDir, a.op.Name, clock.Now().UTC().Format("20060102T150405Z"), os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		a.logger = &slogAdapter{l: logger}
		a.logFile = f
	}

	sealer, err := unlockSealer(cfg.Encryption, opts.Passphrase)
	if err != nil {
		a.closeLog()
		return nil, err
	}

	a.kv, err = cache.NewStoreFromConfig(ctx, cfg.Cache)
	if err != nil {
		a.closeLog()
		return nil, fmt.Errorf("creating cache store: %w", err)
	}

	a.remote, err = remote.NewStoreFromConfig(ctx, cfg.Remote)
	if err != nil {
		a.kv.Close()
		a.closeLog()
		return nil, fmt.Errorf("creating remote store: %w", err)
	}

	kinds, err := defaults.All()
	if err != nil {
		a.closeStores()
		a.closeLog()
		return nil, fmt.Errorf("loading bundled defaults: %w", err)
	}

	sc := cfg.Sync
	a.health = propsync.NewHealthMonitor(a.remote, clock, a.logger, propsync.HealthConfig{
		Interval:         orDefault(sc.HealthInterval.Duration, 5*time.Second),
		RecoveryLimit:    orDefaultInt(sc.RecoveryLimit, 3),
		RecoveryWindow:   orDefault(sc.RecoveryWindow.Duration, time.Minute),
		RecoveryCooldown: orDefault(sc.RecoveryCooldown.Duration, 30*time.Second),
		CycleWait:        time.Second,
		DuplicateWait:    2 * time.Second,
	})
	retrier := propsync.NewRetrier(a.health, clock, a.logger, propsync.RetryPolicy{
		MaxAttempts: orDefaultInt(sc.MaxAttempts, 3),
		BaseDelay:   orDefault(sc.BaseDelay.Duration, time.Second),
	})
	localCache := propsync.NewLocalCache(a.kv, sealer, a.logger)
	a.queue = outbox.NewQueue(a.kv, sealer, 0)

	a.syncers = make(map[string]*propsync.Synchronizer, len(kinds))
	flushers := make([]outbox.Flusher, 0, len(kinds))
	for _, name := range slices.Sorted(maps.Keys(kinds)) {
		s := propsync.NewSynchronizer(kinds[name], propsync.Deps{
			Remote:         a.remote,
			Cache:          localCache,
			Health:         a.health,
			Retrier:        retrier,
			Outbox:         a.queue,
			Clock:          clock,
			Logger:         a.logger,
			ReconnectDelay: orDefault(sc.ReconnectDelay.Duration, 5*time.Second),
		})
		a.syncers[name] = s
		flushers = append(flushers, s)
	}
	a.replayer = outbox.NewReplayer(a.health, sc.OutboxFlushInterval.Duration, a.logger, flushers...)

	a.logger.Info("propsync started", "operation", a.op.Name, "remote", cfg.Remote.Type, "cache", cfg.Cache.Type)
	return a, nil
}

func unlockSealer(cfg config.EncryptionConfig, passphrase PassphraseFunc) (propsync.Sealer, error) {
	keyring, err := encryption.NewKeyringFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating keyring: %w", err)
	}
	if keyring == nil {
		return nil, nil
	}
	if !keyring.IsConfigured() {
		return nil, fmt.Errorf("encryption keys not found: run 'propsync keys init' first")
	}
	if passphrase == nil {
		return nil, fmt.Errorf("cache encryption is enabled but no passphrase source was given")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	sealer, err := keyring.Unlock(pass)
	if err != nil {
		return nil, fmt.Errorf("unlocking keys: %w", err)
	}
	return sealer, nil
}

// InitKeys generates the cache encryption keys described by cfg.
func InitKeys(cfg config.EncryptionConfig, passphrase string) error {
	keyring, err := encryption.NewKeyringFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("creating keyring: %w", err)
	}
	if keyring == nil {
		return fmt.Errorf("encryption type is %q: set encryption.type = \"age\" first", cfg.Type)
	}
	return keyring.Setup(passphrase)
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the App's logger.
func (a *App) Logger() propsync.Logger { return a.logger }

// Kinds returns the names of every entity kind, sorted.
func (a *App) Kinds() []string {
	return slices.Sorted(maps.Keys(a.syncers))
}

// Synchronizer returns the synchronizer for the named kind.
func (a *App) Synchronizer(kind string) (*propsync.Synchronizer, error) {
	s, ok := a.syncers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (want one of %v)", ErrUnknownKind, kind, a.Kinds())
	}
	return s, nil
}

// Health returns the shared connection health monitor.
func (a *App) Health() *propsync.HealthMonitor { return a.health }

// Seed reconciles every kind with its bundled defaults.
func (a *App) Seed(ctx context.Context) (map[string]propsync.ReconcileReport, error) {
	reports := make(map[string]propsync.ReconcileReport, len(a.syncers))
	var errs []error
	for _, name := range a.Kinds() {
		report, err := a.syncers[name].InitializeDefaults(ctx)
		reports[name] = report
		if err != nil {
			errs = append(errs, fmt.Errorf("seeding %s: %w", name, err))
		}
	}
	return reports, errors.Join(errs...)
}

// OutboxStatus reports the pending mutations of every kind.
func (a *App) OutboxStatus(ctx context.Context) ([]outbox.Status, error) {
	namespaces := make([]string, 0, len(a.syncers))
	for _, name := range a.Kinds() {
		namespaces = append(namespaces, a.syncers[name].Kind().Namespace)
	}
	return a.queue.Status(ctx, namespaces...)
}

// FlushOutbox replays every kind's pending mutations now.
func (a *App) FlushOutbox(ctx context.Context) (map[string]propsync.FlushReport, error) {
	reports := make(map[string]propsync.FlushReport, len(a.syncers))
	var errs []error
	for _, name := range a.Kinds() {
		report, err := a.syncers[name].FlushOutbox(ctx)
		reports[name] = report
		if err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", name, err))
		}
	}
	return reports, errors.Join(errs...)
}

// StartBackground seeds the remote store when configured to and starts the
// outbox replayer. It is meant for long-running commands.
func (a *App) StartBackground(ctx context.Context) {
	if a.cfg.Sync.SeedOnStart {
		if _, err := a.Seed(ctx); err != nil {
			a.logger.Warn("seeding defaults on start failed", "error", err)
		}
	}
	a.replayer.Start(ctx)
}

// Finish records the outcome of the operation; Close logs it.
func (a *App) Finish(err error) {
	a.op.Finish(err)
}

// Close stops background work and releases every store.
func (a *App) Close() error {
	a.replayer.Stop()
	a.op.Finish(nil)
	a.logger.Info("propsync finished", "operation", a.op.Name, "status", a.op.Status, "duration", a.op.Duration().String())

	err := a.closeStores()
	a.closeLog()
	return err
}

func (a *App) closeStores() error {
	var errs []error
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing remote store: %w", err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing cache store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeLog() {
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
