// Package app builds the digest service from its config: storage, credentials, collectors,
// the task engine, the notifier, the dispatcher and the tick scheduler.
package app

import (
	"context"
	"fmt"
	"time"

	"digestbot/internal/collector"
	"digestbot/internal/config"
	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/notifier"
	"digestbot/internal/observability/debugsrv"
	rtsup "digestbot/internal/runtime/supervisor"
	"digestbot/internal/secrets"
	"digestbot/internal/storage"
	"digestbot/internal/task/engine"
	"digestbot/internal/task/scheduler"
	logx "digestbot/pkg/logx"
)

// TickSchedule is the scheduler entry that drives Dispatcher.Tick.
const TickSchedule = "dispatch.tick"

type App struct {
	cfgm    *config.ConfigManager
	applied *config.Config
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	creds *secrets.Resolver

	collectors *collector.Registry
	engine     *engine.Service
	sched      *scheduler.Service
	notif      *notifier.Service
	disp       *dispatch.Dispatcher

	debug    *debugsrv.Service
	debugCfg debugsrv.Config
}

// Options tweak New for commands and tests.
type Options struct {
	// LogLevel overrides logging.level when non-empty.
	LogLevel string
	// Now replaces time.Now in the dispatcher.
	Now func() time.Time
}

// New loads the config at cfgPath and builds the component graph. Nothing is started.
func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg, opts)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, opts Options) (a *App, err error) {
	logCfg := mapLogConfig(cfg)
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	logSvc, root := logx.New(logCfg)
	log := root.With(logx.String("comp", "app"))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return nil, err
	}
	if err := requireStore(store, sc); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	bus := eventbus.New()
	creds := secrets.NewResolver(buildSecrets(cfg), root.With(logx.String("comp", "secrets")))
	collectors := buildCollectors(cfg, root.With(logx.String("comp", "collector")))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, root, bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	senders, err := buildSenders(ctx, cfg, creds)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, senders, root, bus, store)

	debugCfg, err := mapDebugConfig(ctx, cfg, creds)
	if err != nil {
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, dispatch.Deps{
		Catalog:     store,
		Credentials: creds,
		Collectors:  collectors,
		Engine:      eng,
		Runs:        store,
		Bus:         bus,
		Delivery:    notif,
		Log:         root,
		Now:         opts.Now,
	})

	a = &App{
		cfgm:       cfgm,
		applied:    cfg,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		creds:      creds,
		collectors: collectors,
		engine:     eng,
		sched:      scheduler.New(mapSchedulerConfig(cfg), root, bus),
		notif:      notif,
		disp:       disp,
		debugCfg:   debugCfg,
	}
	a.debug = debugsrv.New(debugsrv.Config{}, debugsrv.Sources{
		Status: func() any { return a.Status() },
		Runs:   store,
	}, root)
	if err := a.sched.AddSchedule(TickSchedule, tickSpec(cfg), 0, a.tick); err != nil {
		return nil, fmt.Errorf("scheduler.spec: %w", err)
	}
	log.Info("app built",
		logx.String("storage", sc.Driver),
		logx.Int("collectors", len(collectors.Types())),
		logx.Strings("senders", config.SenderNames(cfg.Notifier)),
		logx.String("tick", tickSpec(cfg)),
	)
	return a, nil
}

func (a *App) Log() logx.Logger                 { return a.log }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Scheduler() *scheduler.Service    { return a.sched }
func (a *App) Config() *config.Config           { return a.cfgm.Get() }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StartWorkers starts the engine and the notifier only. One-shot commands use it.
func (a *App) StartWorkers(ctx context.Context) {
	if a.sup == nil {
		a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
}

// Start runs the long-lived service: workers, the tick scheduler, config hot reload, the
// optional debug endpoint and systemd notifications.
func (a *App) Start(ctx context.Context) error {
	a.StartWorkers(ctx)
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	a.sched.Start(runCtx)
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.RunOnStart {
		if err := a.sched.RunNow(TickSchedule); err != nil {
			a.log.Warn("run on start failed", logx.Err(err))
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, cfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		watchdogLoop(c, a.log)
		return nil
	})

	a.debug.Reconfigure(runCtx, a.debugCfg)

	notifyReady(a.log)
	a.log.Info("app started")
	return nil
}

// Tick runs one dispatch pass. The returned Batch joins the runs it started.
func (a *App) Tick(ctx context.Context) (*dispatch.Batch, error) {
	return a.disp.Tick(ctx)
}

// tick is the scheduler job. Runs are joined in the background so a slow collector never
// holds the next trigger back; the per-target lock prevents duplicate runs.
func (a *App) tick(ctx context.Context) error {
	b, err := a.disp.Tick(ctx)
	if err != nil {
		return err
	}
	if len(b.Runs) == 0 {
		return nil
	}
	a.sup.Go("tick.join", func(c context.Context) error {
		runs, err := b.Wait(c)
		if err != nil {
			return nil
		}
		a.log.Info("tick finished",
			logx.Int("runs", len(runs)),
			logx.Strings("failed_targets", dispatch.Failed(runs)),
			logx.Int("dispatch_errors", len(b.Errors)),
		)
		return nil
	})
	return nil
}

func (a *App) validateReload(ctx context.Context, cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(ctx, cfg, a.creds); err != nil {
		return err
	}
	_, err := buildSenders(ctx, cfg, a.creds)
	return err
}

// Stop shuts components down in reverse dependency order, each step bounded by its own
// timeout and by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("debug", 3*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Stopping the engine finishes queued collectors, which may start finalizers that still
	// hand digests to the notifier.
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("dispatch", 10*time.Second, a.disp.Wait)
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
