package alerts

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"notibell/internal/eventbus"
	"notibell/internal/storage"
	"notibell/pkg/logx"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type recSink struct {
	name  string
	fails int // fail this many calls first

	mu    sync.Mutex
	calls int
	shown []Alert
	got   chan Alert
}

func newRecSink(name string, fails int) *recSink {
	return &recSink{name: name, fails: fails, got: make(chan Alert, 16)}
}

func (r *recSink) Name() string { return r.name }

func (r *recSink) Show(ctx context.Context, a Alert) error {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.fails
	if !fail {
		r.shown = append(r.shown, a)
	}
	r.mu.Unlock()
	if fail {
		return errors.New("sink down")
	}
	r.got <- a
	return nil
}

func fastCfg() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitAlert(t *testing.T, ch <-chan Alert) Alert {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
		return Alert{}
	}
}

func TestRaiseFillsDefaultsAndDelivers(t *testing.T) {
	sink := newRecSink("rec", 0)
	s := New(fastCfg(), []Sink{sink}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	a, err := s.Raise(context.Background(), Alert{Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, DefaultTitle, a.Title)
	assert.Equal(t, DefaultPlacement, a.Placement)
	assert.Equal(t, DefaultDuration, a.Duration)

	got := waitAlert(t, sink.got)
	assert.Equal(t, a.ID, got.ID)
	assert.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRaiseDedupsIdenticalAlerts(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	sink := newRecSink("rec", 0)
	s := New(fastCfg(), []Sink{sink}, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_, err := s.Raise(context.Background(), Alert{Title: "t", Content: "c"})
	require.NoError(t, err)
	_, err = s.Raise(context.Background(), Alert{Title: "t", Content: "c"})
	require.NoError(t, err)

	waitAlert(t, sink.got)
	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !(seen[eventbus.TypeAlertDeduped] && seen[eventbus.TypeAlertSent]) {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	sink.mu.Lock()
	assert.Len(t, sink.shown, 1)
	sink.mu.Unlock()
}

func TestDistinctCreatedAtAreNotDeduped(t *testing.T) {
	sink := newRecSink("rec", 0)
	s := New(fastCfg(), []Sink{sink}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	first := Alert{Type: "RESUME_UPDATE", Title: "Resume approved", Content: "Backend", CreatedAt: at}
	second := first
	second.CreatedAt = at.Add(5 * time.Second)

	_, err := s.Raise(context.Background(), first)
	require.NoError(t, err)
	_, err = s.Raise(context.Background(), second)
	require.NoError(t, err)
	_, err = s.Raise(context.Background(), first)
	require.NoError(t, err)

	waitAlert(t, sink.got)
	waitAlert(t, sink.got)
	select {
	case a := <-sink.got:
		t.Fatalf("redelivery shown again: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliveryRetriesThenRecords(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	flaky := newRecSink("flaky", 2)
	dead := newRecSink("dead", 100)
	s := New(fastCfg(), []Sink{flaky, dead}, logx.Nop(), nil, st)
	s.Start(context.Background())

	_, err = s.Raise(context.Background(), Alert{Title: "retry me"})
	require.NoError(t, err)
	waitAlert(t, flaky.got)
	s.Stop(context.Background())

	recs, err := st.RecentAlerts(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byName := map[string]storage.AlertRecord{}
	for _, r := range recs {
		byName[r.Sink] = r
	}
	assert.Equal(t, "sent", byName["flaky"].Status)
	assert.Equal(t, 3, byName["flaky"].Attempts)
	assert.Equal(t, "failed", byName["dead"].Status)
	assert.Equal(t, "sink down", byName["dead"].Error)
}

func TestRaiseAfterStopAndWhenDisabled(t *testing.T) {
	s := New(fastCfg(), nil, logx.Nop(), nil, nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	_, err := s.Raise(context.Background(), Alert{Title: "late"})
	require.ErrorIs(t, err, ErrStopped)

	cfg := fastCfg()
	cfg.Enabled = false
	d := New(cfg, nil, logx.Nop(), nil, nil)
	d.Start(context.Background())
	_, err = d.Raise(context.Background(), Alert{Title: "x"})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	sink := blockingSink{release: block}
	cfg := fastCfg()
	cfg.QueueSize = 1
	cfg.DedupWindow = 0
	s := New(cfg, []Sink{sink}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer func() {
		close(block)
		s.Stop(context.Background())
	}()

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = s.Raise(context.Background(), Alert{Title: "x"})
	}
	require.ErrorIs(t, err, ErrQueueFull)
}

type blockingSink struct{ release chan struct{} }

func (blockingSink) Name() string { return "block" }

func (b blockingSink) Show(ctx context.Context, _ Alert) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestConsoleSinkFormat(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleSink(&buf)
	c.loc = time.UTC
	err := c.Show(context.Background(), Alert{
		Title: "Resume approved", Content: "Backend Engineer", Type: "RESUME_UPDATE",
		Placement: "topRight", Duration: 5 * time.Second,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "[topRight 5s] Resume approved (RESUME_UPDATE)\n  Backend Engineer\n  at 2026-01-02 03:04:05\n", buf.String())
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}
