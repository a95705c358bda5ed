package refresh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"notibell/internal/eventbus"
	"notibell/internal/querycache"
	"notibell/pkg/logx"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func TestCronSpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
		err      bool
	}{
		{in: "", want: DefaultSchedule},
		{in: "@every 1m", want: "@every 1m"},
		{in: "*/5 * * * *", want: "*/5 * * * *"},
		{in: "cron: @hourly", want: "@hourly"},
		{in: "90s", want: "@every 1m30s"},
		{in: "00:05", want: "@every 5m0s"},
		{in: "cron:", err: true},
		{in: "00:75", err: true},
		{in: "-1m", err: true},
		{in: "soon", err: true},
	}
	for _, tc := range cases {
		got, err := CronSpec(tc.in)
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

type counter struct {
	n    atomic.Int32
	done chan struct{}
}

func newCounter() *counter { return &counter{done: make(chan struct{}, 16)} }

func (c *counter) refetch(context.Context) error {
	c.n.Add(1)
	c.done <- struct{}{}
	return nil
}

func (c *counter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("refetch not called")
	}
}

func TestInvalidationRefetchesObservedViewsOnly(t *testing.T) {
	bus := eventbus.New()
	store := querycache.New(querycache.WithBus(bus))
	s := New(Config{}, store, bus, logx.Nop())
	bell := newCounter()
	unobserve := s.Observe(querycache.NotificationsKey(), bell.refetch)
	defer unobserve()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	store.Invalidate(querycache.ResumesKey())
	store.Invalidate(querycache.NotificationsKey())
	bell.wait(t)

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, bell.n.Load())
	assert.Equal(t, []string{"notifications"}, s.Observed())
}

type fakePender struct{ n atomic.Int32 }

func (f *fakePender) Pending(querycache.AnyKey) int { return int(f.n.Load()) }

func TestRefetchWaitsForPendingMutations(t *testing.T) {
	bus := eventbus.New()
	p := &fakePender{}
	p.n.Store(1)
	s := New(Config{PendingRetry: 5 * time.Millisecond}, p, bus, logx.Nop())
	c := newCounter()
	s.Observe(querycache.NotificationsKey(), c.refetch)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TypeCacheInvalidated, Data: querycache.InvalidatedEvent{Key: "notifications"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeCacheInvalidated, Data: querycache.InvalidatedEvent{Key: "notifications"}})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.n.Load())

	p.n.Store(0)
	c.wait(t)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, c.n.Load(), "coalesced invalidations refetch once")
}

func TestUnobserveStopsRefetching(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	c := newCounter()
	first := s.Observe(querycache.ResumesKey(), c.refetch)
	second := s.Observe(querycache.ResumesKey(), c.refetch)

	first()
	assert.Len(t, s.Observed(), 1, "stale unobserve leaves the replacement")
	second()
	assert.Empty(t, s.Observed())

	s.RefreshAll(context.Background())
	assert.Zero(t, c.n.Load())
}

func TestRefreshAllSkipsPendingAndCountsFailures(t *testing.T) {
	p := &fakePender{}
	s := New(Config{}, p, nil, logx.Nop())
	c := newCounter()
	s.Observe(querycache.NotificationsKey(), c.refetch)
	s.Observe(querycache.ResumesKey(), func(context.Context) error { return assert.AnError })

	s.RefreshAll(context.Background())
	runs, failed := s.Stats()
	assert.EqualValues(t, 2, runs)
	assert.EqualValues(t, 1, failed)

	p.n.Store(1)
	s.RefreshAll(context.Background())
	runs, _ = s.Stats()
	assert.EqualValues(t, 2, runs)
}

func TestScheduleRunsObservedViews(t *testing.T) {
	s := New(Config{Enabled: true, Schedule: "1s"}, &fakePender{}, nil, logx.Nop())
	c := newCounter()
	s.Observe(querycache.NotificationsKey(), c.refetch)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	c.wait(t)
}

func TestStartAndApplyRejectBadSchedule(t *testing.T) {
	s := New(Config{Enabled: true, Schedule: "whenever"}, nil, nil, logx.Nop())
	require.Error(t, s.Start(context.Background()))

	s = New(Config{}, nil, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	require.Error(t, s.Apply(Config{Enabled: true, Schedule: "whenever"}))
	require.NoError(t, s.Apply(Config{Enabled: true, Schedule: "@every 1h", Timezone: "UTC"}))
}
