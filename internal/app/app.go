package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"signalblast/internal/admin"
	"signalblast/internal/broadcast"
	"signalblast/internal/config"
	"signalblast/internal/dispatch"
	"signalblast/internal/health"
	"signalblast/internal/registry"
	rtsup "signalblast/internal/runtime/supervisor"
	"signalblast/internal/storage"
	"signalblast/internal/task/scheduler"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

const (
	jobHistoryPrune = "history.prune"
	jobLogRotate    = "log.rotate"
	jobTimeout      = 5 * time.Minute
	updatesBuffer   = 256
)

// Options control how the app finds and adjusts its configuration.
type Options struct {
	ConfigPath string
	// Override runs after the file and environment are applied (CLI flags).
	Override func(*config.Config)
	// Lookup replaces os.LookupEnv.
	Lookup config.LookupFunc
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter transport.Adapter
	store   storage.Store

	subs   *registry.Registry
	banned *registry.Registry
	admin  *admin.Authority

	bc     *broadcast.Service
	sched  *scheduler.Service
	disp   *dispatch.Dispatcher
	health *health.Server

	updates  chan transport.Update
	dispDone chan struct{}
}

// New loads the configuration and builds every component. Nothing runs until Start.
func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	if opts.Lookup != nil {
		cfgm.SetLookup(opts.Lookup)
	}
	if opts.Override != nil {
		cfgm.SetOverride(opts.Override)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The notify sink needs the transport, which needs a logger: install the
	// sender once the adapter exists.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	ad, err := newTransport(cfg, logSvc.Logger())
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(func(ctx context.Context, to, text string) error {
		_, err := ad.Send(ctx, to, text, nil)
		return err
	})

	if err := os.MkdirAll(cfg.Bot.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	subs, err := registry.Load(cfg.SubscribersFile())
	if err != nil {
		return nil, err
	}
	banned, err := registry.Load(cfg.BannedFile())
	if err != nil {
		return nil, err
	}
	auth, err := admin.Load(cfg.AdminFile(), cfg.Admin.Password)
	if err != nil {
		return nil, err
	}
	if !auth.Configured() {
		log.Warn("no admin password set; admin commands are unavailable")
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	} else {
		log.Info("storage disabled; edits cannot be relayed")
	}

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	bc := broadcast.New(bcfg, subs, ad, store, logSvc.Logger())

	sched := scheduler.New(mapSchedulerConfig(cfg), logSvc.Logger())

	settings, err := mapDispatchSettings(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	disp := dispatch.New(dispatch.Deps{
		Transport:   ad,
		Subscribers: subs,
		Banned:      banned,
		Admin:       auth,
		Broadcaster: bc,
		Scheduler:   sched,
		Log:         logSvc.Logger(),
	}, settings)

	log.Info("signalblast configured",
		logx.String("transport", cfg.Transport.Driver),
		logx.Int("subscribers", subs.Len()),
		logx.Int("banned", banned.Len()),
	)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		store:   store,
		subs:    subs,
		banned:  banned,
		admin:   auth,
		bc:      bc,
		sched:   sched,
		disp:    disp,
		health:  health.New(ad, logSvc.Logger()),
		updates: make(chan transport.Update, updatesBuffer),
	}, nil
}

func closeOnErr(store storage.Store, err error) error {
	if store != nil {
		_ = store.Close()
	}
	return err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reloads are validated before commit. Config.Validate runs first; these
	// checks cover what only the mapping layer knows.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchSettings(cfg); err != nil {
			return err
		}
		if _, err := mapHealthConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.dispDone = make(chan struct{})
	a.sup.Go("dispatch", func(c context.Context) error {
		defer close(a.dispDone)
		return a.disp.Run(c, a.updates)
	})

	cfg := a.cfgm.Get()
	a.registerJobs(cfg)
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	hc, err := mapHealthConfig(cfg)
	if err != nil {
		return err
	}
	a.health.Apply(a.sup.Context(), hc)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()
	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("transport", cfg.Transport.Driver))
	return nil
}

// registerJobs (re)installs the periodic jobs owned by the app. AddSchedule
// upserts by name, and the "off" schedule removes the job.
func (a *App) registerJobs(cfg *config.Config) {
	if _, err := a.sched.AddSchedule(jobHistoryPrune, cfg.History.PruneSchedule, jobTimeout, func(ctx context.Context) error {
		n, err := a.bc.PruneHistory(ctx, time.Now())
		if err != nil && !errors.Is(err, storage.ErrDisabled) {
			return err
		}
		if n > 0 {
			a.log.Info("broadcast history pruned", logx.Int("removed", n))
		}
		return nil
	}); err != nil {
		a.log.Warn("history prune not scheduled", logx.String("spec", cfg.History.PruneSchedule), logx.Err(err))
	}

	if _, err := a.sched.AddSchedule(jobLogRotate, cfg.Logging.RotateSchedule, time.Minute, func(context.Context) error {
		rotated, err := a.logs.Rotate()
		if rotated {
			a.log.Info("log file rotated")
		}
		return err
	}); err != nil {
		a.log.Warn("log rotation not scheduled", logx.String("spec", cfg.Logging.RotateSchedule), logx.Err(err))
	}
}

// applyConfig pushes a committed config to every live-tunable component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strs("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))

	if bcfg, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bc.Apply(bcfg)
	}

	if st, err := mapDispatchSettings(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(st)
	}

	if hc, err := mapHealthConfig(next); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Err(err))
	} else {
		a.health.Apply(ctx, hc)
	}

	prevEnabled := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	a.registerJobs(next)
	switch {
	case prevEnabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevEnabled && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Intake first: no new messages, then let queued handlers finish.
	a.step(ctx, "transport", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "dispatch", 15*time.Second, func(c context.Context) error {
		select {
		case <-a.dispDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	c := a.sup.Counters()
	a.log.Info("stopped", logx.Int64("active", c.Active), logx.Uint64("goroutines", c.Started))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; anything still running past it is a leak.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
