package bell

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibell/internal/model"
	"notibell/internal/querycache"
)

type fakeAPI struct {
	fetches atomic.Int32
	list    []model.Notification
	mark    func(ctx context.Context, id int64) error

	mu    sync.Mutex
	calls []int64
}

func (f *fakeAPI) FetchNotifications(context.Context) ([]model.Notification, error) {
	f.fetches.Add(1)
	return model.CloneNotifications(f.list), nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, id int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if f.mark == nil {
		return nil
	}
	return f.mark(ctx, id)
}

func (f *fakeAPI) markCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

func unread(ids ...int64) []model.Notification {
	out := make([]model.Notification, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Notification{ID: id, Title: "n"})
	}
	return out
}

func flags(b *Bell) []bool {
	list, _ := b.Cached()
	out := make([]bool, len(list))
	for i, n := range list {
		out[i] = n.Read
	}
	return out
}

func TestListServesCacheWithinStaleWindow(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{list: unread(1, 2)}
	b := New(querycache.New(), api, WithStaleTime(time.Minute))

	_, err := b.List(context.Background())
	require.NoError(t, err)
	_, err = b.List(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, api.fetches.Load())
	assert.Equal(t, 2, b.UnreadCount())
}

func TestMarkReadIsVisibleBeforeWriteAndRevertsOnFailure(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan error, 1)
	api := &fakeAPI{mark: func(ctx context.Context, id int64) error {
		close(entered)
		return <-release
	}}
	cache := querycache.New()
	querycache.SetData(cache, querycache.NotificationsKey(), unread(1, 2))
	b := New(cache, api)

	done := make(chan error, 1)
	go func() { done <- b.MarkRead(context.Background(), 1) }()

	<-entered
	assert.Equal(t, []bool{true, false}, flags(b))

	release <- errors.New("rejected")
	require.Error(t, <-done)
	assert.Equal(t, unread(1, 2), func() []model.Notification { l, _ := b.Cached(); return l }())
	assert.True(t, cache.IsStale(querycache.NotificationsKey(), time.Hour))
}

func TestOverlappingMarksKeepEachOthersEffects(t *testing.T) {
	t.Parallel()
	gates := map[int64]chan error{1: make(chan error, 1), 2: make(chan error, 1)}
	entered := map[int64]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})}
	api := &fakeAPI{mark: func(ctx context.Context, id int64) error {
		close(entered[id])
		return <-gates[id]
	}}
	cache := querycache.New()
	querycache.SetData(cache, querycache.NotificationsKey(), unread(1, 2, 3))
	b := New(cache, api)

	res := map[int64]chan error{1: make(chan error, 1), 2: make(chan error, 1)}
	go func() { res[1] <- b.MarkRead(context.Background(), 1) }()
	<-entered[1]
	go func() { res[2] <- b.MarkRead(context.Background(), 2) }()
	<-entered[2]
	assert.Equal(t, []bool{true, true, false}, flags(b))

	gates[1] <- errors.New("rejected")
	require.Error(t, <-res[1])
	assert.Equal(t, []bool{false, true, false}, flags(b), "failed call must not drop the pending mark of entry 2")

	gates[2] <- nil
	require.NoError(t, <-res[2])
	assert.Equal(t, []bool{false, true, false}, flags(b))
}

func TestMarkReadOnReadEntryIsStructurallyUnchanged(t *testing.T) {
	t.Parallel()
	cache := querycache.New()
	seed := []model.Notification{{ID: 1, Read: true}, {ID: 2}}
	querycache.SetData(cache, querycache.NotificationsKey(), model.CloneNotifications(seed))
	b := New(cache, &fakeAPI{})

	require.NoError(t, b.MarkRead(context.Background(), 1))
	got, _ := b.Cached()
	assert.Equal(t, seed, got)
}

func TestOpenGuardsAlreadyReadEntries(t *testing.T) {
	t.Parallel()
	cache := querycache.New()
	querycache.SetData(cache, querycache.NotificationsKey(), []model.Notification{{ID: 1, Read: true}, {ID: 2}})
	api := &fakeAPI{}
	b := New(cache, api)

	n, err := b.Open(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, n.Read)
	assert.Empty(t, api.markCalls())

	n, err = b.Open(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, n.Read)
	assert.Equal(t, []int64{2}, api.markCalls())

	_, err = b.Open(context.Background(), 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkAllReadReportsFailures(t *testing.T) {
	t.Parallel()
	cache := querycache.New()
	querycache.SetData(cache, querycache.NotificationsKey(), unread(1, 2, 3))
	api := &fakeAPI{mark: func(ctx context.Context, id int64) error {
		if id == 2 {
			return errors.New("nope")
		}
		return nil
	}}
	b := New(cache, api)

	n, err := b.MarkAllRead(context.Background())
	assert.Equal(t, 2, n)
	require.Error(t, err)
	assert.Equal(t, []bool{true, false, true}, flags(b))
	assert.Equal(t, 1, b.UnreadCount())
}

func TestRender(t *testing.T) {
	t.Parallel()
	cache := querycache.New()
	at := time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC)
	querycache.SetData(cache, querycache.NotificationsKey(), []model.Notification{
		{ID: 1, Title: "Resume approved", Content: "Backend Engineer", CreatedAt: at},
		{ID: 2, Title: "Welcome", CreatedAt: at, Read: true},
	})
	var buf bytes.Buffer
	require.NoError(t, New(cache, &fakeAPI{}).Render(&buf, time.UTC))
	assert.Equal(t, "Notifications (1 unread)\n"+
		"* #1 Resume approved  2026-03-04 05:06\n"+
		"    Backend Engineer\n"+
		"  #2 Welcome  2026-03-04 05:06\n", buf.String())
}
