// Package refresh keeps observed cache views in step with the server.
//
// A view is observed while something displays it (the bell list, the resume
// list). Invalidated views are refetched as soon as no optimistic mutation is
// pending on them, and every observed view is revisited on a cron schedule so
// the freshness window holds without pushes.
package refresh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"notibell/internal/eventbus"
	"notibell/internal/querycache"
	rtsup "notibell/internal/runtime/supervisor"
	"notibell/pkg/logx"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultPendingRetry = 200 * time.Millisecond
)

// Pender reports unsettled optimistic mutations per key.
type Pender interface {
	Pending(key querycache.AnyKey) int
}

// Config drives the service. Enabled gates the periodic schedule only;
// invalidation-driven refetches always run while the service is started.
type Config struct {
	Enabled      bool
	Schedule     string
	Timezone     string
	Timeout      time.Duration
	PendingRetry time.Duration
}

type view struct {
	id      uint64
	key     querycache.AnyKey
	refetch func(ctx context.Context) error
}

type Service struct {
	cache  Pender
	bus    eventbus.Bus
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	cfg    Config
	views  map[string]*view
	nextID uint64
	c      *cron.Cron
	sup    *rtsup.Supervisor

	runs   atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config, cache Pender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    normalize(cfg),
		cache:  cache,
		bus:    bus,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		views:  map[string]*view{},
	}
}

func normalize(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PendingRetry <= 0 {
		cfg.PendingRetry = DefaultPendingRetry
	}
	return cfg
}

// Observe registers refetch for key until the returned func is called.
// A later Observe of the same key replaces the earlier one.
func (s *Service) Observe(key querycache.AnyKey, refetch func(ctx context.Context) error) (unobserve func()) {
	s.mu.Lock()
	s.nextID++
	v := &view{id: s.nextID, key: key, refetch: refetch}
	s.views[key.Name()] = v
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if cur := s.views[key.Name()]; cur != nil && cur.id == v.id {
				delete(s.views, key.Name())
			}
			s.mu.Unlock()
		})
	}
}

// Observed lists the keys currently observed.
func (s *Service) Observed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.views))
	for name := range s.views {
		out = append(out, name)
	}
	return out
}

// Stats returns how many refetches ran and how many of them failed.
func (s *Service) Stats() (runs, failed uint64) { return s.runs.Load(), s.failed.Load() }

// Start begins listening for invalidations and, when enabled, the schedule.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64)
		s.sup.Go("refresh.invalidations", func(ctx context.Context) error {
			defer unsub()
			return s.listen(ctx, ch)
		})
	}
	if err := s.startCronLocked(); err != nil {
		s.sup.Cancel()
		s.sup = nil
		return err
	}
	s.log.Info("service started", logx.Bool("scheduled", s.c != nil), logx.String("schedule", s.cfg.Schedule))
	return nil
}

// Apply swaps the configuration, rebuilding the schedule when running.
func (s *Service) Apply(cfg Config) error {
	cfg = normalize(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.sup == nil {
		return nil
	}
	if old.Enabled == cfg.Enabled && old.Schedule == cfg.Schedule && strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}
	s.stopCronLocked()
	return s.startCronLocked()
}

func (s *Service) startCronLocked() error {
	if !s.cfg.Enabled {
		return nil
	}
	spec, err := CronSpec(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	loc := s.loadLocationLocked()
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	sctx := s.sup.Context()
	if _, err := c.AddFunc(spec, func() { s.RefreshAll(sctx) }); err != nil {
		return fmt.Errorf("refresh: schedule %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Debug("schedule armed", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) stopCronLocked() {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop halts the schedule and the listener, waiting for a running refetch.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup == nil {
		return nil
	}
	err := sup.Wait(ctx)
	s.log.Info("service stopped")
	return err
}

// RefreshAll refetches every observed view without pending mutations.
// Views still inside their freshness window are served from cache by their
// refetch func, so this costs nothing for fresh data.
func (s *Service) RefreshAll(ctx context.Context) {
	for _, v := range s.snapshot() {
		if s.cache != nil && s.cache.Pending(v.key) > 0 {
			continue
		}
		s.run(ctx, v, "schedule")
	}
}

func (s *Service) snapshot() []*view {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*view, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v)
	}
	return out
}

func (s *Service) lookup(name string) *view {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[name]
}

func (s *Service) timeouts() (run, retry time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Timeout, s.cfg.PendingRetry
}

func (s *Service) run(ctx context.Context, v *view, reason string) {
	timeout, _ := s.timeouts()
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	err := v.refetch(rctx)
	s.runs.Add(1)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.failed.Add(1)
		s.log.Warn("refetch failed", logx.String("key", v.key.Name()), logx.String("reason", reason), logx.Err(err))
		return
	}
	s.log.Debug("refetched", logx.String("key", v.key.Name()), logx.String("reason", reason), logx.Duration("took", time.Since(start)))
}

// listen coalesces invalidations per key and refetches each once its
// pending mutations have settled.
func (s *Service) listen(ctx context.Context, ch <-chan eventbus.Event) error {
	_, retry := s.timeouts()
	t := time.NewTicker(retry)
	defer t.Stop()

	deferred := map[string]struct{}{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeCacheInvalidated {
				continue
			}
			inv, ok := ev.Data.(querycache.InvalidatedEvent)
			if !ok {
				continue
			}
			deferred[inv.Key] = struct{}{}
			s.drain(ctx, deferred)
		case <-t.C:
			if len(deferred) > 0 {
				s.drain(ctx, deferred)
			}
		}
	}
}

func (s *Service) drain(ctx context.Context, deferred map[string]struct{}) {
	for name := range deferred {
		v := s.lookup(name)
		if v == nil {
			delete(deferred, name)
			continue
		}
		if s.cache != nil && s.cache.Pending(v.key) > 0 {
			continue
		}
		delete(deferred, name)
		s.run(ctx, v, "invalidated")
	}
}

// cronLogger routes robfig/cron's logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
