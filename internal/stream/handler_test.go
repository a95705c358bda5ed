package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibell/internal/alerts"
	"notibell/internal/eventbus"
	"notibell/internal/model"
	"notibell/internal/querycache"
	"notibell/pkg/logx"
)

type recRaiser struct {
	mu  sync.Mutex
	got []alerts.Alert
	err error
}

func (r *recRaiser) Raise(_ context.Context, a alerts.Alert) (alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return a, r.err
}

func (r *recRaiser) raised() []alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerts.Alert(nil), r.got...)
}

type recInvalidator struct {
	mu    sync.Mutex
	names []string
}

func (r *recInvalidator) Invalidate(keys ...querycache.AnyKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		r.names = append(r.names, k.Name())
	}
}

func TestResumeUpdateInvalidatesBothViews(t *testing.T) {
	r, inv := &recRaiser{}, &recInvalidator{}
	h := NewPushHandler(r, inv, nil, logx.Nop())

	h.Handle(context.Background(), []byte(`{"title":"Resume approved","content":"Backend","type":"RESUME_UPDATE","createdAt":"2026-05-06T07:08:09"}`))

	require.Len(t, r.raised(), 1)
	a := r.raised()[0]
	assert.Equal(t, "Resume approved", a.Title)
	assert.Equal(t, "Backend", a.Content)
	assert.Equal(t, model.TypeResumeUpdate, a.Type)
	assert.ElementsMatch(t, []string{"resumes", "notifications"}, inv.names)
}

func TestOtherTypesOnlyRaiseAlert(t *testing.T) {
	r, inv := &recRaiser{}, &recInvalidator{}
	h := NewPushHandler(r, inv, nil, logx.Nop())

	h.Handle(context.Background(), []byte(`{"content":"hello","type":"SYSTEM"}`))
	h.Handle(context.Background(), []byte(`{"content":"no type"}`))

	got := r.raised()
	require.Len(t, got, 2)
	assert.Equal(t, alerts.DefaultTitle, got[0].Title)
	assert.Empty(t, inv.names)
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	r, inv := &recRaiser{}, &recInvalidator{}
	h := NewPushHandler(r, inv, nil, logx.Nop())

	for _, body := range []string{`not json`, `null`, `{}`, `[]`, `"text"`, `42`, `{"title":`} {
		h.Handle(context.Background(), []byte(body))
	}

	assert.Empty(t, r.raised())
	assert.Empty(t, inv.names)
}

func TestUnreadableCreatedAtStillAlertsAndInvalidates(t *testing.T) {
	bodies := []string{
		`{"title":"Resume approved","type":"RESUME_UPDATE","createdAt":[2026,5,6,7,8,9]}`,
		`{"title":"Resume approved","type":"RESUME_UPDATE","createdAt":1778050089.123}`,
		`{"title":"Resume approved","type":"RESUME_UPDATE","createdAt":"2026-05-06T07:08"}`,
		`{"title":"Resume approved","type":"RESUME_UPDATE","createdAt":"next tuesday"}`,
		`{"title":"Resume approved","type":"RESUME_UPDATE","createdAt":{"epoch":1}}`,
	}
	for _, body := range bodies {
		r, inv := &recRaiser{}, &recInvalidator{}
		h := NewPushHandler(r, inv, nil, logx.Nop())

		h.Handle(context.Background(), []byte(body))

		require.Len(t, r.raised(), 1, body)
		assert.Equal(t, "Resume approved", r.raised()[0].Title, body)
		assert.ElementsMatch(t, []string{"resumes", "notifications"}, inv.names, body)
	}
}

func TestDisabledAlertsStillInvalidate(t *testing.T) {
	r, inv := &recRaiser{err: alerts.ErrDisabled}, &recInvalidator{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	h := NewPushHandler(r, inv, bus, logx.Nop())

	h.Handle(context.Background(), []byte(`{"type":"RESUME_UPDATE"}`))

	assert.Len(t, inv.names, 2)
	select {
	case ev := <-events:
		assert.Equal(t, eventbus.TypeStreamMessage, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no stream.message event")
	}
}

// A bad message between two good ones must not interrupt the subscription.
func TestMalformedPayloadDoesNotStopStream(t *testing.T) {
	conn := newFakeConn()
	r, inv := &recRaiser{}, &recInvalidator{}
	c := New(alice(), newQueueDialer(conn), NewPushHandler(r, inv, nil, logx.Nop()), fastConfig(), logx.Nop(), nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	conn.msgs <- []byte(`{"title":"one"}`)
	conn.msgs <- []byte(`{{{`)
	conn.msgs <- []byte(`{"title":"two","type":"RESUME_UPDATE"}`)

	require.Eventually(t, func() bool { return len(r.raised()) == 2 }, 2*time.Second, 2*time.Millisecond)
	assert.True(t, c.Connected())
	assert.Len(t, conn.subscriptions(), 1)
	connects, delivered := c.Stats()
	assert.EqualValues(t, 1, connects)
	assert.EqualValues(t, 3, delivered)
}

func TestBrokerURL(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"http://localhost:8080":       "ws://localhost:8080/ws",
		"https://api.example.com/":    "wss://api.example.com/ws",
		"https://api.example.com/app": "wss://api.example.com/app/ws",
	}
	for in, want := range cases {
		got, err := BrokerURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := BrokerURL("ftp://x")
	require.Error(t, err)
	_, err = BrokerURL("http://")
	require.Error(t, err)
}

func TestTopic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/topic/user/a@b.c", Topic("", "a@b.c"))
	assert.Equal(t, "/queue/x/a@b.c", Topic("/queue/x", "a@b.c"))
}

func TestNewSTOMPDialerRejectsScheme(t *testing.T) {
	_, err := NewSTOMPDialer(STOMPConfig{URL: "http://localhost/ws"}, logx.Nop())
	require.Error(t, err)
	d, err := NewSTOMPDialer(STOMPConfig{URL: "ws://localhost/ws"}, logx.Logger{})
	require.NoError(t, err)
	assert.NotNil(t, d)
}
