package querycache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibell/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memSnapshots struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (m *memSnapshots) PutSnapshot(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = map[string][]byte{}
	}
	m.m[key] = append([]byte(nil), data...)
	return nil
}

func (m *memSnapshots) GetSnapshot(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.m[key]
	return b, ok, nil
}

func TestFetchHonorsFreshnessWindow(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(WithClock(clk.Now))

	calls := 0
	fetch := func(context.Context) ([]model.Notification, error) {
		calls++
		return []model.Notification{{ID: int64(calls)}}, nil
	}

	v, err := Fetch(context.Background(), s, NotificationsKey(), 30*time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v[0].ID)

	clk.Advance(10 * time.Second)
	v, err = Fetch(context.Background(), s, NotificationsKey(), 30*time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "fresh value must be served from cache")
	assert.Equal(t, int64(1), v[0].ID)

	clk.Advance(30 * time.Second)
	v, err = Fetch(context.Background(), s, NotificationsKey(), 30*time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(2), v[0].ID)
}

func TestInvalidateBypassesFreshness(t *testing.T) {
	t.Parallel()
	s := New()
	calls := 0
	fetch := func(context.Context) ([]model.Resume, error) {
		calls++
		return []model.Resume{{ID: 7}}, nil
	}
	_, err := Fetch(context.Background(), s, ResumesKey(), time.Hour, fetch)
	require.NoError(t, err)
	assert.False(t, s.IsStale(ResumesKey(), time.Hour))

	s.Invalidate(ResumesKey())
	assert.True(t, s.IsStale(ResumesKey(), time.Hour))

	_, err = Fetch(context.Background(), s, ResumesKey(), time.Hour, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.False(t, s.IsStale(ResumesKey(), time.Hour))
}

func TestFetchErrorKeepsPreviousValue(t *testing.T) {
	t.Parallel()
	s := New()
	SetData(s, NotificationsKey(), []model.Notification{{ID: 1}})
	s.Invalidate(NotificationsKey())

	_, err := Fetch(context.Background(), s, NotificationsKey(), time.Minute, func(context.Context) ([]model.Notification, error) {
		return nil, errors.New("offline")
	})
	require.EqualError(t, err, "offline")

	v, ok := GetData(s, NotificationsKey())
	require.True(t, ok)
	assert.Equal(t, int64(1), v[0].ID)
}

func TestCanceledFetchWithoutValue(t *testing.T) {
	t.Parallel()
	s := New()
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Fetch(context.Background(), s, ResumesKey(), time.Minute, func(ctx context.Context) ([]model.Resume, error) {
			close(started)
			<-ctx.Done()
			return []model.Resume{{ID: 1}}, nil
		})
		done <- err
	}()
	<-started
	s.Cancel(ResumesKey())

	require.ErrorIs(t, <-done, ErrCanceled)
	_, ok := GetData(s, ResumesKey())
	assert.False(t, ok)
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()
	s := New()
	SetData(s, NotificationsKey(), []model.Notification{{ID: 1}})
	SetData(s, AccountKey(), model.Account{User: model.User{ID: 3, Email: "a@b.c"}})

	_, ok := GetData(s, ResumesKey())
	assert.False(t, ok)
	acc, ok := GetData(s, AccountKey())
	require.True(t, ok)
	assert.Equal(t, "a@b.c", acc.User.Email)
}

func TestUpdateUsesCurrentValue(t *testing.T) {
	t.Parallel()
	s := New()
	SetData(s, NotificationsKey(), []model.Notification{{ID: 1}})
	Update(s, NotificationsKey(), func(old []model.Notification) []model.Notification {
		return append(model.CloneNotifications(old), model.Notification{ID: 2})
	})
	v, _ := GetData(s, NotificationsKey())
	assert.Len(t, v, 2)
}

func TestHydrateFromSnapshotIsStale(t *testing.T) {
	t.Parallel()
	snaps := &memSnapshots{}
	first := New(WithSnapshots(snaps))
	first.SetScope("7")
	_, err := Fetch(context.Background(), first, NotificationsKey(), time.Minute, func(context.Context) ([]model.Notification, error) {
		return []model.Notification{{ID: 9, Title: "kept"}}, nil
	})
	require.NoError(t, err)

	second := New(WithSnapshots(snaps))
	ok, err := Hydrate(context.Background(), second, NotificationsKey())
	require.NoError(t, err)
	assert.False(t, ok, "no scope, nothing to read")

	second.SetScope("7")
	ok, err = Hydrate(context.Background(), second, NotificationsKey())
	require.NoError(t, err)
	require.True(t, ok)

	v, ok := GetData(second, NotificationsKey())
	require.True(t, ok)
	assert.Equal(t, "kept", v[0].Title)
	assert.True(t, second.IsStale(NotificationsKey(), time.Hour))
}

func TestResetDropsEntriesAndInFlightReads(t *testing.T) {
	t.Parallel()
	s := New()
	SetData(s, ResumesKey(), []model.Resume{{ID: 1}})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Fetch(context.Background(), s, NotificationsKey(), time.Minute, func(ctx context.Context) ([]model.Notification, error) {
			close(started)
			<-ctx.Done()
			return []model.Notification{{ID: 7}}, nil
		})
		done <- err
	}()
	<-started
	s.Reset()

	require.ErrorIs(t, <-done, ErrCanceled)
	_, ok := GetData(s, NotificationsKey())
	assert.False(t, ok)
	_, ok = GetData(s, ResumesKey())
	assert.False(t, ok)
}

func TestSnapshotsAreScopedByPrincipal(t *testing.T) {
	t.Parallel()
	snaps := &memSnapshots{}
	s := New(WithSnapshots(snaps))
	s.SetScope("1")
	_, err := Fetch(context.Background(), s, NotificationsKey(), time.Minute, func(context.Context) ([]model.Notification, error) {
		return []model.Notification{{ID: 1, Title: "alice secret"}}, nil
	})
	require.NoError(t, err)

	other := New(WithSnapshots(snaps))
	other.SetScope("2")
	ok, err := Hydrate(context.Background(), other, NotificationsKey())
	require.NoError(t, err)
	assert.False(t, ok)
	_, has := GetData(other, NotificationsKey())
	assert.False(t, has)
}

func TestFetchSettlingAfterResetServesNothing(t *testing.T) {
	t.Parallel()
	snaps := &memSnapshots{}
	s := New(WithSnapshots(snaps))
	s.SetScope("1")
	SetData(s, NotificationsKey(), []model.Notification{{ID: 1, Title: "alice secret"}})
	s.Invalidate(NotificationsKey())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Fetch(context.Background(), s, NotificationsKey(), time.Minute, func(ctx context.Context) ([]model.Notification, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()
	<-started
	s.Reset()

	require.ErrorIs(t, <-done, ErrCanceled)
	assert.Empty(t, snaps.m)
}
