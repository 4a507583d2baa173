package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"msgrouter/internal/capping"
	"msgrouter/internal/clock"
	"msgrouter/internal/config"
	"msgrouter/internal/eventbus"
	"msgrouter/internal/export"
	"msgrouter/internal/httpapi"
	"msgrouter/internal/hub"
	"msgrouter/internal/msgstore"
	"msgrouter/internal/observability/pprof"
	"msgrouter/internal/provider"
	"msgrouter/internal/report"
	"msgrouter/internal/router"
	"msgrouter/internal/runtime/supervisor"
	"msgrouter/internal/scheduler"
	"msgrouter/internal/storage"
	"msgrouter/internal/targeting"
	logx "msgrouter/pkg/logx"
)

const (
	defaultSweep       = time.Minute
	defaultJobTimeout  = 30 * time.Second
	defaultRetention   = 7 * 24 * time.Hour
	pruneSchedule      = "capping:prune"
	providerJobPrefix  = "provider:"
	defaultNSQAddr     = "127.0.0.1:4150"
	defaultNSQTopic    = "msgrouter.events"
	defaultRedisSrcNS  = "msgrouter"
	sourceInitTimeout  = 10 * time.Second
	storageOpenTimeout = 10 * time.Second
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock clock.Clock
	rep   *report.Reporter

	sources  provider.Sources
	srcRedis *redis.Client

	msgs    *msgstore.Store
	reg     *provider.Registry
	tracker *capping.Tracker
	router  *router.Router
	moments *hub.Hub

	sched    *scheduler.Service
	http     *httpapi.Server
	exporter *export.Exporter
	nsq      *export.NSQProducer
	debug    *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.Component("app")

	bus := eventbus.New()
	clk := clock.Real()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(context.Background(), storageOpenTimeout)
	store, err := storage.Open(openCtx, sc, log.Component("storage"))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		clock:   clk,
	}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		a.closeSources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	a.rep = report.New(a.log.Component("report"), a.bus)

	retention, err := config.ParseDurationOrDefault("router.impression_retention", cfg.Router.ImpressionRetention, defaultRetention)
	if err != nil {
		return err
	}
	nodeID := cfg.Router.NodeID
	if nodeID == 0 {
		nodeID = 1
	}
	tracker, err := capping.New(capping.Options{
		Clock:     a.clock,
		Store:     a.store,
		NodeID:    nodeID,
		Retention: retention,
		Log:       a.log.Component("capping"),
	})
	if err != nil {
		return err
	}
	a.tracker = tracker

	if err := a.openSources(cfg); err != nil {
		return err
	}

	a.msgs = msgstore.New(a.log.Component("msgstore"), a.bus)
	a.reg = provider.NewRegistry(provider.Options{
		Store:    a.msgs,
		Clock:    a.clock,
		Reporter: a.rep,
		Bus:      a.bus,
		Log:      a.log.Component("provider"),
	})
	for _, pc := range cfg.Providers {
		p, err := provider.FromConfig(pc, a.sources)
		if err != nil {
			return err
		}
		if err := a.reg.Register(p); err != nil {
			return err
		}
	}

	a.router, err = router.New(router.Options{
		Registry:  a.reg,
		Store:     a.msgs,
		Evaluator: targeting.New(a.rep),
		Tracker:   a.tracker,
		Clock:     a.clock,
		Bus:       a.bus,
		Log:       a.log.Component("router"),
	})
	if err != nil {
		return err
	}
	a.moments, err = hub.NewMoments(a.router, a.store, a.clock, a.bus, a.log.Component("hub"))
	if err != nil {
		return err
	}

	a.sched = scheduler.New(schedulerConfig(cfg), a.log.Component("scheduler"), a.bus)

	if cfg.HTTP.Enabled {
		a.http, err = httpapi.New(httpapi.Options{
			Router:    a.router,
			Hubs:      []*hub.Hub{a.moments},
			Prefs:     a.store,
			Scheduler: a.sched,
			Log:       a.log.Component("http"),
		})
		if err != nil {
			return err
		}
	}

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return err
	}
	a.debug = pprof.New(dcfg, a.debugStatus, a.log.Component("pprof"))

	if n := cfg.Export.NSQ; n.Enabled {
		addr := strings.TrimSpace(n.Addr)
		if addr == "" {
			addr = defaultNSQAddr
		}
		topic := strings.TrimSpace(n.Topic)
		if topic == "" {
			topic = defaultNSQTopic
		}
		elog := a.log.Component("export")
		a.nsq, err = export.NewNSQProducer(addr, topic, elog)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		a.exporter = export.New(export.Options{Bus: a.bus, Queue: a.nsq, Log: elog})
	}
	return nil
}

// openSources connects the remote-collection backends. The in-memory
// collections are always available.
func (a *App) openSources(cfg *config.Config) error {
	a.sources = provider.Sources{Memory: provider.NewCollections()}
	if s3cfg := cfg.Sources.S3; s3cfg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sourceInitTimeout)
		src, err := provider.OpenS3Source(ctx, *s3cfg)
		cancel()
		if err != nil {
			return fmt.Errorf("sources.s3: %w", err)
		}
		a.sources.S3 = src
	}
	if rcfg := cfg.Sources.Redis; rcfg != nil {
		opt, err := redis.ParseURL(strings.TrimSpace(rcfg.URL))
		if err != nil {
			return fmt.Errorf("sources.redis: %w", err)
		}
		a.srcRedis = redis.NewClient(opt)
		ns := strings.TrimSpace(rcfg.Namespace)
		if ns == "" {
			ns = defaultRedisSrcNS
		}
		a.sources.Redis = provider.NewRedisSource(a.srcRedis, ns)
	}
	return nil
}

func (a *App) closeSources() {
	if a.srcRedis != nil {
		_ = a.srcRedis.Close()
	}
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Timezone:       cfg.Scheduler.Timezone,
		DefaultTimeout: defaultJobTimeout,
	}
}

// Router exposes the router for embedding hosts.
func (a *App) Router() *router.Router { return a.router }

// Collections returns the in-memory remote collections backend.
func (a *App) Collections() *provider.Collections { return a.sources.Memory }

// HTTPAddr returns the bound API address, empty when the API is disabled.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(a.validate)

	if err := a.router.Init(a.sup.Context()); err != nil {
		// A provider that fails its first fetch keeps an empty snapshot and
		// retries on its schedule.
		a.log.Warn("initial provider refresh incomplete", logx.Err(err))
	}

	a.syncProviderSchedules(a.cfgm.Get())
	if err := a.sched.Set(pruneSchedule, time.Hour, func(c context.Context) error {
		a.tracker.Prune(c, a.clock.Now())
		return nil
	}); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if a.http != nil {
		if err := a.http.Listen(httpapi.Config{Addr: a.cfgm.Get().HTTP.Addr}); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	if a.exporter != nil {
		a.sup.GoRestart("export.nsq", a.exporter.Run, 500*time.Millisecond, 10*time.Second)
	}

	// Optional: log events for observability/debug.
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
				// Keep this debug-level to avoid noise for frequent refreshes.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
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
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
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

	a.log.Info("app started", logx.Int("providers", len(a.reg.IDs())), logx.Int("messages", a.msgs.Snapshot().Len()))
	return nil
}

// validate rejects reloads the running app cannot apply.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	// Sources are fixed for the life of the process; providers must resolve
	// against the ones already open.
	var errs []error
	for _, pc := range cfg.Providers {
		if _, err := provider.FromConfig(pc, a.sources); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, pd := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "sources", "router", "http", "export":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(logConfig(newCfg))

	prevSchedEnabled := a.sched.Enabled()
	a.sched.Apply(schedulerConfig(newCfg))
	switch {
	case prevSchedEnabled && !newCfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSchedEnabled && newCfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if dcfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dcfg)
	}

	a.applyProviders(ctx, newCfg, pd)
	a.syncProviderSchedules(newCfg)

	a.log.Info("config reloaded", fields...)
}

// applyProviders re-registers added and changed providers and drops removed
// ones. Changed providers refresh right away since their cache was reset.
func (a *App) applyProviders(ctx context.Context, cfg *config.Config, pd config.ProviderDiff) {
	for _, id := range pd.Removed {
		if err := a.reg.Unregister(id); err != nil && !errors.Is(err, provider.ErrUnknownProvider) {
			a.log.Warn("provider unregister failed", logx.Provider(id), logx.Err(err))
		}
	}
	touched := make(map[string]struct{}, len(pd.Added)+len(pd.Changed))
	for _, id := range pd.Added {
		touched[id] = struct{}{}
	}
	for _, id := range pd.Changed {
		touched[id] = struct{}{}
	}
	for _, pc := range cfg.Providers {
		id := strings.TrimSpace(pc.ID)
		if _, ok := touched[id]; !ok {
			continue
		}
		p, err := provider.FromConfig(pc, a.sources)
		if err != nil {
			a.log.Warn("provider config rejected", logx.Provider(id), logx.Err(err))
			continue
		}
		if err := a.reg.Register(p); err != nil {
			a.log.Warn("provider register failed", logx.Provider(id), logx.Err(err))
			continue
		}
		if !p.Enabled {
			continue
		}
		if _, err := a.reg.Refresh(ctx, id); err != nil {
			a.log.Warn("provider refresh failed", logx.Provider(id), logx.Err(err))
		}
	}
}

// syncProviderSchedules keeps one refresh schedule per registered provider.
// Providers with an update cycle refresh on it; the rest on the sweep.
func (a *App) syncProviderSchedules(cfg *config.Config) {
	sweep, err := config.ParseDurationOrDefault("scheduler.sweep", cfg.Scheduler.Sweep, defaultSweep)
	if err != nil {
		sweep = defaultSweep
	}
	want := map[string]struct{}{}
	for _, id := range a.reg.IDs() {
		p, ok := a.reg.Provider(id)
		if !ok || !p.Enabled {
			continue
		}
		every := p.UpdateCycle
		if every <= 0 {
			every = sweep
		}
		name := providerJobPrefix + id
		want[name] = struct{}{}
		if err := a.sched.Set(name, every, func(c context.Context) error {
			_, err := a.reg.Refresh(c, id)
			if errors.Is(err, provider.ErrUnknownProvider) || errors.Is(err, provider.ErrSuperseded) {
				return nil
			}
			return err
		}); err != nil {
			a.log.Warn("provider schedule failed", logx.Provider(id), logx.Err(err))
		}
	}
	for _, name := range a.sched.Names() {
		if !strings.HasPrefix(name, providerJobPrefix) {
			continue
		}
		if _, ok := want[name]; !ok {
			a.sched.Remove(name)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn(
				"stop step deadline reached (continuing)",
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

	// Stop inbound traffic first, then background refresh, then persistence.
	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Shutdown(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("export", 1*time.Second, func(context.Context) error {
		if a.nsq != nil {
			a.nsq.Close()
		}
		return nil
	})
	step("router", 1*time.Second, func(c context.Context) error { return a.router.Shutdown(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("sources", 1*time.Second, func(context.Context) error { a.closeSources(); return nil })

	// Finally, wait for supervised goroutines (config watch/reload, exporter, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
