package querycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibell/internal/eventbus"
	"notibell/internal/model"
)

func markRead(id int64) func([]model.Notification) []model.Notification {
	return func(cur []model.Notification) []model.Notification {
		out := model.CloneNotifications(cur)
		for i := range out {
			if out[i].ID == id {
				out[i].Read = true
			}
		}
		return out
	}
}

func revertRead(id int64) func(cur, snap []model.Notification) []model.Notification {
	return func(cur, snap []model.Notification) []model.Notification {
		prev := false
		for _, n := range snap {
			if n.ID == id {
				prev = n.Read
			}
		}
		out := model.CloneNotifications(cur)
		for i := range out {
			if out[i].ID == id {
				out[i].Read = prev
			}
		}
		return out
	}
}

func readFlags(t *testing.T, s *Store) map[int64]bool {
	t.Helper()
	v, ok := GetData(s, NotificationsKey())
	require.True(t, ok)
	out := map[int64]bool{}
	for _, n := range v {
		out[n.ID] = n.Read
	}
	return out
}

// gatedWrite blocks until release receives the write outcome.
type gatedWrite struct {
	entered chan struct{}
	release chan error
}

func newGate() *gatedWrite {
	return &gatedWrite{entered: make(chan struct{}), release: make(chan error, 1)}
}

func (g *gatedWrite) write(ctx context.Context) error {
	close(g.entered)
	return <-g.release
}

func seed() []model.Notification {
	return []model.Notification{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}}
}

func TestOptimisticAppliesBeforeWriteAndRollsBackExactly(t *testing.T) {
	t.Parallel()
	s := New()
	SetData(s, NotificationsKey(), seed())

	g := newGate()
	done := make(chan error, 1)
	go func() {
		done <- Optimistic(context.Background(), s, Mutation[[]model.Notification]{
			Key:    NotificationsKey(),
			Apply:  markRead(1),
			Write:  g.write,
			Revert: revertRead(1),
		})
	}()

	<-g.entered
	assert.Equal(t, map[int64]bool{1: true, 2: false}, readFlags(t, s))
	assert.Equal(t, 1, s.Pending(NotificationsKey()))

	g.release <- errors.New("rejected")
	require.EqualError(t, <-done, "rejected")

	got, _ := GetData(s, NotificationsKey())
	assert.Equal(t, seed(), got)
	assert.Equal(t, 0, s.Pending(NotificationsKey()))
	assert.True(t, s.IsStale(NotificationsKey(), time.Hour))
}

func TestOptimisticSuccessKeepsValueAndMarksStale(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := New(WithBus(bus))
	SetData(s, NotificationsKey(), seed())

	err := Optimistic(context.Background(), s, Mutation[[]model.Notification]{
		Key:   NotificationsKey(),
		Apply: markRead(2),
		Write: func(context.Context) error { return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: false, 2: true}, readFlags(t, s))
	assert.True(t, s.IsStale(NotificationsKey(), time.Hour))

	ev := <-events
	assert.Equal(t, eventbus.TypeCacheInvalidated, ev.Type)
	assert.Equal(t, InvalidatedEvent{Key: "notifications"}, ev.Data)
}

func TestOptimisticIdempotentOnAlreadyRead(t *testing.T) {
	t.Parallel()
	s := New()
	initial := []model.Notification{{ID: 1, Read: true}, {ID: 2}}
	SetData(s, NotificationsKey(), initial)

	require.NoError(t, Optimistic(context.Background(), s, Mutation[[]model.Notification]{
		Key:   NotificationsKey(),
		Apply: markRead(1),
		Write: func(context.Context) error { return nil },
	}))
	got, _ := GetData(s, NotificationsKey())
	assert.Equal(t, initial, got)
}

func TestOverlappingMutationsComposeAndFailureOnlyRevertsItsOwnEntry(t *testing.T) {
	t.Parallel()
	s := New()
	SetData(s, NotificationsKey(), seed())

	g1, g2 := newGate(), newGate()
	d1, d2 := make(chan error, 1), make(chan error, 1)
	go func() {
		d1 <- Optimistic(context.Background(), s, Mutation[[]model.Notification]{
			Key: NotificationsKey(), Apply: markRead(1), Write: g1.write, Revert: revertRead(1),
		})
	}()
	<-g1.entered
	go func() {
		d2 <- Optimistic(context.Background(), s, Mutation[[]model.Notification]{
			Key: NotificationsKey(), Apply: markRead(2), Write: g2.write, Revert: revertRead(2),
		})
	}()
	<-g2.entered

	// Both optimistic updates are visible before either settles.
	assert.Equal(t, map[int64]bool{1: true, 2: true}, readFlags(t, s))

	// Second succeeds first, then the first fails.
	g2.release <- nil
	require.NoError(t, <-d2)
	g1.release <- errors.New("rejected")
	require.Error(t, <-d1)

	assert.Equal(t, map[int64]bool{1: false, 2: true}, readFlags(t, s))
}

func TestSequencesReflectExactlyTheSuccessfulCalls(t *testing.T) {
	t.Parallel()
	outcomes := []struct {
		id int64
		ok bool
	}{{1, true}, {2, false}, {3, true}, {4, false}}

	s := New()
	SetData(s, NotificationsKey(), []model.Notification{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}})
	for _, o := range outcomes {
		o := o
		_ = Optimistic(context.Background(), s, Mutation[[]model.Notification]{
			Key:    NotificationsKey(),
			Apply:  markRead(o.id),
			Revert: revertRead(o.id),
			Write: func(context.Context) error {
				if o.ok {
					return nil
				}
				return errors.New("no")
			},
		})
	}
	assert.Equal(t, map[int64]bool{1: true, 2: false, 3: true, 4: false}, readFlags(t, s))
}

func TestOptimisticCancelsInFlightRead(t *testing.T) {
	t.Parallel()
	s := New()
	SetData(s, NotificationsKey(), seed())
	s.Invalidate(NotificationsKey())

	fetchStarted := make(chan struct{})
	writeCalled := make(chan struct{})
	fetchDone := make(chan []model.Notification, 1)
	go func() {
		v, _ := Fetch(context.Background(), s, NotificationsKey(), time.Minute, func(ctx context.Context) ([]model.Notification, error) {
			close(fetchStarted)
			<-ctx.Done()
			<-writeCalled
			// A slow server answer that predates the mutation.
			return seed(), nil
		})
		fetchDone <- v
	}()
	<-fetchStarted

	require.NoError(t, Optimistic(context.Background(), s, Mutation[[]model.Notification]{
		Key:   NotificationsKey(),
		Apply: markRead(1),
		Write: func(context.Context) error {
			close(writeCalled)
			return nil
		},
	}))

	got := <-fetchDone
	assert.True(t, got[0].Read, "canceled read must return the optimistic value")
	assert.Equal(t, map[int64]bool{1: true, 2: false}, readFlags(t, s))
}

func TestOptimisticSettlingAfterResetDoesNotPersist(t *testing.T) {
	snaps := &memSnapshots{}
	s := New(WithSnapshots(snaps))
	s.SetScope("1")
	SetData(s, NotificationsKey(), []model.Notification{{ID: 1, Title: "alice secret"}})

	gate := newGate()
	done := make(chan error, 1)
	go func() {
		done <- Optimistic(context.Background(), s, Mutation[[]model.Notification]{
			Key:    NotificationsKey(),
			Apply:  markRead(1),
			Write:  gate.write,
			Revert: revertRead(1),
		})
	}()
	<-gate.entered
	s.Reset()
	s.SetScope("2")
	gate.release <- errors.New("rejected")

	require.Error(t, <-done)
	snaps.mu.Lock()
	assert.Empty(t, snaps.m)
	snaps.mu.Unlock()
	_, ok := GetData(s, NotificationsKey())
	assert.False(t, ok)

	fresh := New(WithSnapshots(snaps))
	fresh.SetScope("1")
	hydrated, err := Hydrate(context.Background(), fresh, NotificationsKey())
	require.NoError(t, err)
	assert.False(t, hydrated)
}

func TestOptimisticRequiresApplyAndWrite(t *testing.T) {
	t.Parallel()
	err := Optimistic(context.Background(), New(), Mutation[[]model.Notification]{Key: NotificationsKey()})
	require.Error(t, err)
}
