package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"notibell/internal/eventbus"
	"notibell/pkg/logx"
)

// ErrCanceled is returned by Fetch when its read was canceled and there is no
// cached value to fall back to.
var ErrCanceled = errors.New("querycache: fetch canceled")

// SnapshotStore persists the last known value of an entry across restarts.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, key string, data []byte) error
	GetSnapshot(ctx context.Context, key string) (data []byte, ok bool, err error)
}

// InvalidatedEvent is the payload of eventbus.TypeCacheInvalidated.
type InvalidatedEvent struct {
	Key string `json:"key"`
}

type entry struct {
	value     any
	has       bool
	updatedAt time.Time
	stale     bool

	// version changes on every write to value.
	version uint64
	// pending counts optimistic mutations whose write has not settled.
	pending int

	fetchGen uint64
	cancel   context.CancelFunc
}

// Store holds all cache entries. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	bus     eventbus.Bus
	persist SnapshotStore
	log     logx.Logger
	now     func() time.Time

	// scope namespaces persisted snapshots, normally by principal. Empty
	// disables snapshot reads and writes.
	scope string
}

type Option func(*Store)

func WithBus(b eventbus.Bus) Option { return func(s *Store) { s.bus = b } }

func WithSnapshots(p SnapshotStore) Option { return func(s *Store) { s.persist = p } }

func WithLogger(l logx.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(opts ...Option) *Store {
	s := &Store{entries: map[string]*entry{}, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Store) entryLocked(name string) *entry {
	e := s.entries[name]
	if e == nil {
		e = &entry{}
		s.entries[name] = e
	}
	return e
}

// liveLocked reports whether e is still the entry for name, i.e. no Reset
// happened since it was captured.
func (s *Store) liveLocked(name string, e *entry) bool {
	return s.entries[name] == e
}

// snapshotName returns the persisted name of key under scope.
func snapshotName(scope, name string) string {
	return name + ":" + scope
}

func valueOf[T any](e *entry) (T, bool) {
	v, ok := e.value.(T)
	return v, ok && e.has
}

// Fetch returns the cached value for key while it is fresh, otherwise reads it
// through fn. While an optimistic mutation is pending on key the cached value
// is returned without calling fn.
func Fetch[T any](ctx context.Context, s *Store, key Key[T], staleTime time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	s.mu.Lock()
	e := s.entryLocked(key.name)
	if v, ok := valueOf[T](e); ok {
		fresh := !e.stale && s.now().Sub(e.updatedAt) < staleTime
		if fresh || e.pending > 0 {
			s.mu.Unlock()
			return v, nil
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.fetchGen++
	gen := e.fetchGen
	fctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	s.mu.Unlock()

	v, err := fn(fctx)
	cancel()

	s.mu.Lock()
	if !s.liveLocked(key.name, e) {
		// Reset while reading: nothing of the old entry may be served.
		s.mu.Unlock()
		var zero T
		return zero, ErrCanceled
	}
	if e.fetchGen != gen {
		// Superseded or canceled: whatever is cached now wins.
		cur, ok := valueOf[T](e)
		s.mu.Unlock()
		if ok {
			return cur, nil
		}
		var zero T
		return zero, ErrCanceled
	}
	e.cancel = nil
	if err != nil {
		s.mu.Unlock()
		var zero T
		return zero, err
	}
	e.value = v
	e.has = true
	e.updatedAt = s.now()
	e.stale = false
	e.version++
	scope := s.scope
	s.mu.Unlock()

	s.save(ctx, scope, key.name, v)
	return v, nil
}

// GetData returns the cached value without fetching.
func GetData[T any](s *Store, key Key[T]) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return valueOf[T](s.entryLocked(key.name))
}

// SetData replaces the cached value and marks it fresh.
func SetData[T any](s *Store, key Key[T], v T) {
	s.mu.Lock()
	e := s.entryLocked(key.name)
	e.value = v
	e.has = true
	e.updatedAt = s.now()
	e.stale = false
	e.version++
	s.mu.Unlock()
}

// Update replaces the cached value with fn applied to the value current at
// call time. fn must not modify its argument in place.
func Update[T any](s *Store, key Key[T], fn func(old T) T) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key.name)
	old, _ := valueOf[T](e)
	next := fn(old)
	e.value = next
	e.has = true
	e.version++
	return next
}

// Cancel aborts any in-flight read of key; its result will be discarded.
func (s *Store) Cancel(key AnyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key.Name())
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.fetchGen++
}

// SetScope sets the namespace persisted snapshots are read from and written
// to. Callers pass the principal id once it is known.
func (s *Store) SetScope(scope string) {
	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()
}

// Reset drops every entry, aborts in-flight reads and clears the snapshot
// scope. Used when the principal changes so nothing of the previous one is
// served or persisted. Reads and mutations that settle after Reset are
// discarded.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		e.fetchGen++
	}
	s.entries = map[string]*entry{}
	s.scope = ""
}

// Invalidate marks entries stale so the next Fetch bypasses the freshness window.
func (s *Store) Invalidate(keys ...AnyKey) {
	for _, k := range keys {
		s.mu.Lock()
		s.entryLocked(k.Name()).stale = true
		s.mu.Unlock()
		s.log.Debug("cache invalidated", logx.String("key", k.Name()))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeCacheInvalidated, Data: InvalidatedEvent{Key: k.Name()}})
		}
	}
}

// IsStale reports whether key would be refetched by the next Fetch with staleTime.
func (s *Store) IsStale(key AnyKey, staleTime time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key.Name())
	return !e.has || e.stale || s.now().Sub(e.updatedAt) >= staleTime
}

// Pending reports how many optimistic mutations on key have not settled.
func (s *Store) Pending(key AnyKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(key.Name()).pending
}

// Hydrate loads the persisted value of key for the current scope, if any. The
// value is kept stale so the first Fetch still goes to the server.
func Hydrate[T any](ctx context.Context, s *Store, key Key[T]) (bool, error) {
	s.mu.Lock()
	scope := s.scope
	s.mu.Unlock()
	if s.persist == nil || scope == "" {
		return false, nil
	}
	b, ok, err := s.persist.GetSnapshot(ctx, snapshotName(scope, key.name))
	if err != nil || !ok {
		return false, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return false, err
	}
	s.mu.Lock()
	if s.scope != scope {
		s.mu.Unlock()
		return false, nil
	}
	e := s.entryLocked(key.name)
	if !e.has {
		e.value = v
		e.has = true
		e.stale = true
		e.version++
	}
	s.mu.Unlock()
	return true, nil
}

// save persists v best-effort under scope.
func (s *Store) save(ctx context.Context, scope, name string, v any) {
	if s.persist == nil || scope == "" {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Debug("cache snapshot encode failed", logx.String("key", name), logx.Err(err))
		return
	}
	if err := s.persist.PutSnapshot(context.WithoutCancel(ctx), snapshotName(scope, name), b); err != nil {
		s.log.Debug("cache snapshot write failed", logx.String("key", name), logx.Err(err))
	}
}
