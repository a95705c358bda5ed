// Package app wires the components together and owns their lifecycle:
// config hot reload, the session and the push stream that follows it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"notibell/internal/alerts"
	"notibell/internal/alerts/telegram"
	"notibell/internal/api"
	"notibell/internal/bell"
	"notibell/internal/config"
	"notibell/internal/eventbus"
	"notibell/internal/model"
	"notibell/internal/observability/status"
	"notibell/internal/querycache"
	"notibell/internal/refresh"
	rtsup "notibell/internal/runtime/supervisor"
	"notibell/internal/session"
	"notibell/internal/storage"
	"notibell/internal/stream"
	"notibell/pkg/logx"
	"notibell/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	api     *api.Client
	sess    *session.Session
	cache   *querycache.Store
	bell    *bell.Bell
	alerts  *alerts.Service
	stream  *stream.Client
	refresh *refresh.Service
	status  *status.Service
	sd      *systemd.Notifier

	resumesStale   time.Duration
	streamDisabled bool
	logLevel       string
	started        time.Time

	mu         sync.Mutex
	sessCancel context.CancelFunc
}

type options struct {
	dialer   stream.Dialer
	out      io.Writer
	logLevel string
}

type Option func(*options)

// WithDialer replaces the STOMP transport.
func WithDialer(d stream.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithOutput sets where console alerts are written (default stdout).
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

// WithLogLevel overrides logging.level from the file, including on reload.
func WithLogLevel(level string) Option { return func(o *options) { o.logLevel = level } }

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{out: os.Stdout}
	for _, fn := range opts {
		fn(&o)
	}

	// Start console-only; the file's logging section is applied once loaded.
	level := o.logLevel
	if level == "" {
		level = "info"
	}
	logs, root := logx.New(logx.Config{Level: level, Console: true})
	log := root.With(logx.String("comp", "app"))

	cfgm := config.NewManager(cfgPath,
		config.WithManagerLogger(root.With(logx.String("comp", "config"))),
		config.WithValidator(config.Validate),
	)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		logs.Close()
		return nil, err
	}
	logs.Apply(mapLogging(cfg, o.logLevel))

	a, err := build(cfg, cfgm, logs, root, log, o)
	if err != nil {
		logs.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, cfgm *config.Manager, logs *logx.Service, root, log logx.Logger, o options) (*App, error) {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	token, err := cfg.Session.ResolveToken()
	if err != nil {
		return fail(err)
	}
	var sess *session.Session
	client := api.New(cfg.Backend.URL, func() string { return sess.Token() },
		api.WithTimeout(config.DurationOr(cfg.Backend.Timeout, 15*time.Second)))
	sess = session.New(token, client, session.WithBus(bus), session.WithLogger(comp("session")))

	cacheOpts := []querycache.Option{querycache.WithBus(bus), querycache.WithLogger(comp("cache"))}
	if cfg.Cache.Persist && store != nil {
		cacheOpts = append(cacheOpts, querycache.WithSnapshots(store))
	}
	cache := querycache.New(cacheOpts...)
	notifStale, resumesStale := staleTimes(cfg)
	b := bell.New(cache, client, bell.WithStaleTime(notifStale), bell.WithLogger(comp("bell")))

	var sinks []alerts.Sink
	if alertsSection(cfg).Console {
		sinks = append(sinks, alerts.NewConsoleSink(o.out))
	}
	if cfg.Telegram.Enabled {
		tg, err := telegram.New(mapTelegramConfig(cfg), comp("telegram"))
		if err != nil {
			return fail(fmt.Errorf("telegram: %w", err))
		}
		sinks = append(sinks, tg)
	}
	alertSvc := alerts.New(mapAlertsConfig(cfg), sinks, comp("alerts"), bus, store)

	scfg, stomp, err := mapStreamConfig(cfg)
	if err != nil {
		return fail(err)
	}
	dialer := o.dialer
	if dialer == nil {
		if dialer, err = stream.NewSTOMPDialer(stomp, comp("stomp")); err != nil {
			return fail(err)
		}
	}
	handler := stream.NewPushHandler(alertSvc, cache, bus, comp("push"))
	streamClient := stream.New(sess, dialer, handler, scfg, comp("stream"), bus)

	a := &App{
		cfgm:         cfgm,
		log:          log,
		logs:         logs,
		bus:          bus,
		store:        store,
		api:          client,
		sess:         sess,
		cache:        cache,
		bell:         b,
		alerts:       alertSvc,
		stream:       streamClient,
		refresh:      refresh.New(mapRefreshConfig(cfg), cache, bus, comp("refresh")),
		sd:           systemd.New(cfg.Systemd.Notify, cfg.Systemd.Watchdog, comp("systemd")),
		resumesStale: resumesStale,
		logLevel:     o.logLevel,

		// Without the stream the bell relies on the refresh schedule.
		streamDisabled: cfg.Stream.Disabled,
	}
	a.status = status.New(mapStatusConfig(cfg), a, comp("status"))
	return a, nil
}

// Inbox is the notification bell bound to this app's session.
func (a *App) Inbox() *bell.Bell { return a.bell }

// Session is the current session.
func (a *App) Session() *session.Session { return a.sess }

// Done is closed when the app supervisor context is canceled.
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

// Resumes returns the principal's resumes through the cache.
func (a *App) Resumes(ctx context.Context) ([]model.Resume, error) {
	return querycache.Fetch(ctx, a.cache, querycache.ResumesKey(), a.resumesStale, a.api.FetchResumes)
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.alerts.Start(sctx)

	a.refresh.Observe(querycache.NotificationsKey(), func(c context.Context) error {
		if !a.sess.Authenticated() {
			return nil
		}
		_, err := a.bell.List(c)
		return err
	})
	a.refresh.Observe(querycache.ResumesKey(), func(c context.Context) error {
		if !a.sess.Authenticated() {
			return nil
		}
		_, err := a.Resumes(c)
		return err
	})
	if err := a.refresh.Start(sctx); err != nil {
		return err
	}

	a.status.Start(sctx)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("session.events", func(c context.Context) {
		defer unsub()
		a.sessionEvents(c, events)
	})

	cfgCh, cfgUnsub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer cfgUnsub()
		a.reloadLoop(c, cfgCh)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.beginSession()

	a.sd.Ready()
	a.log.Info("app started", logx.String("backend", a.api.BaseURL()))
	return nil
}

// beginSession (re)runs session init for the current credential, aborting
// any earlier attempt still retrying.
func (a *App) beginSession() {
	a.mu.Lock()
	if a.sessCancel != nil {
		a.sessCancel()
	}
	rctx, cancel := context.WithCancel(a.sup.Context())
	a.sessCancel = cancel
	a.mu.Unlock()

	a.sup.GoRestart("session.init", func(context.Context) error {
		return a.initSession(rctx)
	}, rtsup.WithRestartBackoff(time.Second, time.Minute))
}

// initSession returns nil for outcomes a retry cannot fix; only transient
// failures are retried.
func (a *App) initSession(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	_, err := a.sess.Init(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, session.ErrNoCredential):
		a.log.Info("no credential configured; bell stays signed out")
		return nil
	case errors.Is(err, session.ErrCredentialExpired), errors.Is(err, session.ErrNoPrincipal), api.IsUnauthorized(err):
		a.log.Warn("credential rejected; waiting for a new one", logx.Err(err))
		return nil
	default:
		return err
	}
}

func (a *App) sessionEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type))
			switch e.Type {
			case eventbus.TypeSessionReady:
				if a.streamDisabled {
					a.log.Info("push stream disabled by config")
				} else if err := a.stream.Start(ctx); err != nil {
					a.log.Info("push stream not started", logx.Err(err))
				}
				if p, ok := e.Data.(session.Principal); ok {
					a.hydrate(ctx, p)
					a.sd.Status("signed in as " + p.Email)
				}
				a.cache.Invalidate(querycache.NotificationsKey(), querycache.ResumesKey())
			case eventbus.TypeSessionEnded:
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
				if err := a.stream.Stop(sctx); err != nil {
					a.log.Warn("push stream stop", logx.Err(err))
				}
				cancel()
				a.cache.Reset()
				a.sd.Status("signed out")
			case eventbus.TypeStreamConnected:
				a.sd.Status("push stream connected")
			case eventbus.TypeStreamLost:
				a.sd.Status("push stream reconnecting")
			}
		}
	}
}

// hydrate scopes cache snapshots to p and loads the last persisted views.
// A ready event for a principal that is no longer current is ignored.
func (a *App) hydrate(ctx context.Context, p session.Principal) {
	if cur, ok := a.sess.Principal(); !ok || cur.ID != p.ID {
		return
	}
	a.cache.SetScope(strconv.FormatInt(p.ID, 10))
	for _, hydrate := range []func(context.Context) (bool, error){
		func(c context.Context) (bool, error) { return querycache.Hydrate(c, a.cache, querycache.NotificationsKey()) },
		func(c context.Context) (bool, error) { return querycache.Hydrate(c, a.cache, querycache.ResumesKey()) },
	} {
		if _, err := hydrate(ctx); err != nil {
			a.log.Warn("cache snapshot unreadable; starting empty", logx.Err(err))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, ch <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest.
			for drained := false; !drained; {
				select {
				case newer := <-ch:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next, a.logLevel))

	if err := a.refresh.Apply(mapRefreshConfig(next)); err != nil {
		a.log.Warn("invalid refresh config; keeping previous schedule", logx.Err(err))
	}

	prevAlerts := a.alerts.Enabled()
	acfg := mapAlertsConfig(next)
	a.alerts.Apply(acfg)
	switch {
	case prevAlerts && !acfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
	case !prevAlerts && acfg.Enabled:
		a.alerts.Start(ctx)
	}

	a.status.Reconfigure(ctx, mapStatusConfig(next))

	if tok, err := next.Session.ResolveToken(); err != nil {
		a.log.Warn("credential unreadable; keeping current session", logx.Err(err))
	} else if a.sess.SetToken(tok) {
		a.log.Info("credential changed; starting a new session")
		// Drop the old principal's data before the new one can read it.
		a.cache.Reset()
		a.beginSession()
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("stream", 3*time.Second, a.stream.Stop)
	step("refresh", 2*time.Second, a.refresh.Stop)
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
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

// Close releases what New opened. Use it instead of Stop when the app was
// never started.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Health implements status.Reporter.
func (a *App) Health() status.Health {
	h := status.Health{
		Authenticated:   a.sess.Authenticated(),
		StreamRunning:   a.stream.Running(),
		StreamConnected: a.stream.Connected(),
		Supervisors:     map[string]rtsup.Counters{},
		Uptime:          time.Since(a.started).Round(time.Second).String(),
	}
	if p, ok := a.sess.Principal(); ok {
		h.Principal = p.Email
	}
	h.StreamConnects, h.StreamDelivered = a.stream.Stats()
	h.RefreshRuns, h.RefreshFailed = a.refresh.Stats()
	for name, sup := range map[string]*rtsup.Supervisor{
		"app":    a.sup,
		"stream": a.stream.Supervisor(),
		"alerts": a.alerts.Supervisor(),
	} {
		if sup != nil {
			h.Supervisors[name] = sup.Counters()
		}
	}

	h.Status = "ok"
	if a.sup != nil && a.sup.Err() != nil {
		h.Status = "degraded"
	}
	if h.Authenticated && h.StreamRunning && !h.StreamConnected {
		h.Status = "degraded"
	}
	return h
}

// Bell implements status.Reporter.
func (a *App) Bell(ctx context.Context) (status.BellView, error) {
	if !a.sess.Authenticated() {
		return status.BellView{Items: []model.Notification{}}, nil
	}
	items, err := a.bell.List(ctx)
	if err != nil {
		return status.BellView{}, err
	}
	return status.BellView{Unread: a.bell.UnreadCount(), Items: items}, nil
}

// RenderBell implements status.Reporter.
func (a *App) RenderBell(w io.Writer) error { return a.bell.Render(w, time.Local) }
