// Package app assembles the daemon: config manager, logging service, catalog
// storage, indexer, filesystem watcher, rescan schedule, and the idle
// processor that ties them together.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quiesce/internal/config"
	"quiesce/internal/eventbus"
	"quiesce/internal/idle"
	"quiesce/internal/optrace"
	"quiesce/internal/runtime/supervisor"
	"quiesce/internal/services/indexer"
	"quiesce/internal/services/rescan"
	"quiesce/internal/services/watcher"
	"quiesce/internal/storage"
	logx "quiesce/pkg/logx"
)

// StopReason labels why the app is shutting down; it only affects logging.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	listener *optrace.Listener
	idx      *indexer.Service
	watch    *watcher.Service
	resc     *rescan.Service
	proc     *idle.Processor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("catalog storage enabled", logx.String("driver", sc.Driver))
	}

	listener := optrace.NewListener(log.With(logx.String("comp", "optrace")))

	idx := indexer.New(mapIndexerConfig(cfg),
		log.With(logx.String("comp", "indexer")), bus, store)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		listener: listener,
		idx:      idx,
	}

	a.watch = watcher.New(watcher.Config{
		Roots:  cfg.Watch.Roots,
		Ignore: cfg.Watch.Ignore,
	}, watcher.Hooks{
		Enqueue:  idx.Enqueue,
		FullScan: idx.EnqueueFullScan,
		Activity: a.notifyActivity,
	}, log.With(logx.String("comp", "watcher")))

	a.resc = rescan.New(mapRescanConfig(cfg), func() {
		idx.EnqueueFullScan()
		a.notifyActivity()
	}, log.With(logx.String("comp", "rescan")))

	return a, nil
}

// Indexer exposes the indexer for operational snapshots.
func (a *App) Indexer() *indexer.Service { return a.idx }

// notifyActivity forwards host activity to the processor once it exists.
// Events observed before Start are irrelevant: nothing is quiescing yet.
func (a *App) notifyActivity() {
	if p := a.proc; p != nil {
		p.NotifyActivity()
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		rc := mapRescanConfig(cfg)
		if err := a.resc.Validate(rc); err != nil {
			return err
		}
		cur := a.cfgm.Get()
		if cur != nil && !sameStorage(cur.Storage, cfg.Storage) {
			// Storage is opened once at boot; reject rather than silently
			// keep writing to the old catalog.
			return fmt.Errorf("storage: changes require a restart")
		}
		return nil
	})

	cfg := a.cfgm.Get()
	opts, err := mapIdleOptions(cfg)
	if err != nil {
		return err
	}
	opts.Log = a.log.With(logx.String("comp", "idle"))
	opts.Bus = a.bus

	a.proc = idle.New(a.sup.Context(), a.idx, a.idx, a.listener, opts)
	a.proc.Start()
	a.log.Info("idle processor started", logx.Duration("back_off", a.proc.BackOff()))

	a.sup.GoRestart("watcher", a.watch.Run,
		supervisor.WithRestartBackoff(200*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(true))

	if err := a.resc.Start(); err != nil {
		return err
	}

	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type))
				}
			}
		})
	}

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLogConfig(cfg))
	a.idx.Apply(mapIndexerConfig(cfg))
	a.watch.Apply(watcher.Config{Roots: cfg.Watch.Roots, Ignore: cfg.Watch.Ignore})
	if err := a.resc.Apply(mapRescanConfig(cfg)); err != nil {
		a.log.Warn("rescan config not applied", logx.Err(err))
	}

	// The quiesce window is read once per cycle from processor options; the
	// processor is rebuilt only on restart. Warn when it diverges.
	if opts, err := mapIdleOptions(cfg); err == nil && a.proc != nil && opts.BackOff != a.proc.BackOff() {
		a.log.Warn("idle back-off changed; restart required to take effect",
			logx.Duration("configured", opts.BackOff), logx.Duration("active", a.proc.BackOff()))
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so every loop starts unwinding at once.
	a.sup.Cancel()

	// Bound each shutdown step so one stuck component can't stall the stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = rem
				}
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}
		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("rescan", 2*time.Second, func(context.Context) error { a.resc.Stop(); return nil })
	step("idle", 3*time.Second, func(c context.Context) error {
		select {
		case <-a.proc.Done():
		case <-c.Done():
			return c.Err()
		}
		return nil
	})
	step("operations", 3*time.Second, func(c context.Context) error {
		return a.listener.WaitDrained(c)
	})
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	bt, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: bt,
	}, nil
}

func sameStorage(a, b config.StorageConfig) bool {
	return strings.TrimSpace(a.Driver) == strings.TrimSpace(b.Driver) &&
		strings.TrimSpace(a.Path) == strings.TrimSpace(b.Path)
}

func mapIndexerConfig(cfg *config.Config) indexer.Config {
	return indexer.Config{
		Roots:          cfg.Watch.Roots,
		Ignore:         cfg.Watch.Ignore,
		HashLimitBytes: cfg.Index.HashLimitBytes,
		HistorySize:    cfg.Index.HistorySize,
	}
}

func mapRescanConfig(cfg *config.Config) rescan.Config {
	return rescan.Config{
		Enabled:  strings.TrimSpace(cfg.Rescan.Schedule) != "",
		Schedule: cfg.Rescan.Schedule,
		Timezone: cfg.Rescan.Timezone,
	}
}

func mapIdleOptions(cfg *config.Config) (idle.Options, error) {
	backOff, err := cfg.Idle.BackOffDuration()
	if err != nil {
		return idle.Options{}, err
	}
	minDelay, err := cfg.Idle.MinDelayDuration()
	if err != nil {
		return idle.Options{}, err
	}
	grace, err := cfg.Idle.GraceDelayDuration()
	if err != nil {
		return idle.Options{}, err
	}
	return idle.Options{BackOff: backOff, MinDelay: minDelay, Grace: grace}, nil
}
