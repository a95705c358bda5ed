package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"notibell/internal/eventbus"
	rtsup "notibell/internal/runtime/supervisor"
	"notibell/internal/storage"
	"notibell/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alerts queue full")
	ErrStopped   = errors.New("alerts stopped")
)

const historyCap = 300

type job struct {
	a    Alert
	sink Sink
	key  string
}

// Service is the alert pipeline: queue, worker pool, rate limit, retry and
// dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		bus:   bus,
		store: store,
		sinks: append([]Sink(nil), sinks...),
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Sinks returns the names of the configured sinks.
func (s *Service) Sinks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sinks))
	for _, k := range s.sinks {
		out = append(out, k.Name())
	}
	return out
}

// Apply swaps the tunables. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.Placement) == "" {
		cfg.Placement = DefaultPlacement
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "alerts"))),
		// Alert delivery is best-effort; never take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch := s.sup, s.queue, s.persistCh
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return s.exitReason(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitReason(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
}

// exitReason turns a loop return into a supervisor verdict: shutdown is a
// clean stop, anything else is restarted.
func (s *Service) exitReason(ctx context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("alerts %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Raise calls finish before the queue closes.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Raise queues a for every sink. Missing fields get their defaults; the
// completed alert is returned. A redelivery of the same alert (same type,
// title, content and caller-supplied CreatedAt) inside the dedup window is
// accepted and dropped silently.
func (s *Service) Raise(ctx context.Context, a Alert) (Alert, error) {
	if err := ctx.Err(); err != nil {
		return a, err
	}

	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return a, ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return a, ErrStopped
	}
	q, pch, sinks := s.queue, s.persistCh, s.sinks
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	stamp := a.CreatedAt
	a = fill(a, cfg)
	key := dedupKey(a, stamp)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, pch) {
		s.publish(eventbus.TypeAlertDeduped, Event{AlertID: a.ID, Key: key})
		return a, nil
	}

	for _, sk := range sinks {
		select {
		case q <- job{a: a, sink: sk, key: key}:
		default:
			s.publish(eventbus.TypeAlertFailed, Event{AlertID: a.ID, Sink: sk.Name(), Key: key, Error: ErrQueueFull.Error()})
			return a, ErrQueueFull
		}
	}
	return a, nil
}

func fill(a Alert, cfg Config) Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if strings.TrimSpace(a.Title) == "" {
		a.Title = DefaultTitle
	}
	if a.Placement == "" {
		a.Placement = cfg.Placement
	}
	if a.Duration <= 0 {
		a.Duration = cfg.Duration
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return a
}

// History returns delivered alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(sink string, a Alert) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Sink: sink, Alert: a})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	n := 0
	for n < attempts {
		n++
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := j.sink.Show(callCtx, j.a)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		s.log.Debug("alert delivery failed", logx.String("sink", j.sink.Name()), logx.Int("attempt", n), logx.Err(err))
		if n >= attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, n))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	rec := storage.AlertRecord{
		ID: j.a.ID, Sink: j.sink.Name(), Type: j.a.Type, Title: j.a.Title, Content: j.a.Content,
		Status: "sent", Attempts: n,
	}
	if lastErr != nil {
		rec.Status, rec.Error = "failed", lastErr.Error()
		s.log.Warn("alert dropped", logx.String("sink", j.sink.Name()), logx.String("alert_id", j.a.ID), logx.Err(lastErr))
		s.publish(eventbus.TypeAlertFailed, Event{AlertID: j.a.ID, Sink: j.sink.Name(), Key: j.key, Error: lastErr.Error()})
	} else {
		s.appendHistory(j.sink.Name(), j.a)
		s.publish(eventbus.TypeAlertSent, Event{AlertID: j.a.ID, Sink: j.sink.Name(), Key: j.key})
	}
	if s.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := s.store.AppendAlert(sctx, rec); err != nil {
			s.log.Debug("alert record write failed", logx.Err(err))
		}
		cancel()
	}
}

// dedupKey identifies a delivery. stamp is the CreatedAt the caller supplied
// before defaults were filled; a zero stamp keys on content alone.
func dedupKey(a Alert, stamp time.Time) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Type))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Content))
	if !stamp.IsZero() {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.FormatInt(stamp.UnixNano(), 10)))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart window, best-effort.
	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, t := range s.dedup {
		if !now.Before(t) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var oldest string
		var oldestT time.Time
		for k, t := range s.dedup {
			if oldest == "" || t.Before(oldestT) {
				oldest, oldestT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
