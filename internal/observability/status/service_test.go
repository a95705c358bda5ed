package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"notibell/internal/model"
	"notibell/pkg/logx"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type fakeReporter struct {
	health Health
}

func (f fakeReporter) Health() Health { return f.health }

func (fakeReporter) Bell(context.Context) (BellView, error) {
	return BellView{Unread: 1, Items: []model.Notification{{ID: 1, Title: "hi"}, {ID: 2, Read: true}}}, nil
}

func (fakeReporter) RenderBell(w io.Writer) error {
	_, err := io.WriteString(w, "Notifications (1 unread)\n")
	return err
}

func TestHealthAndBellEndpoints(t *testing.T) {
	s := New(Config{}, fakeReporter{health: Health{Status: "ok", Authenticated: true}}, logx.Nop())
	h := s.Handler(Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Authenticated)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bell", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view BellView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 1, view.Unread)
	assert.Len(t, view.Items, 2)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bell?format=text", nil))
	assert.Equal(t, "Notifications (1 unread)\n", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDegradedHealthIs503(t *testing.T) {
	s := New(Config{}, fakeReporter{health: Health{Status: "degraded"}}, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTokenRequired(t *testing.T) {
	s := New(Config{}, fakeReporter{health: Health{Status: "ok"}}, logx.Nop())
	h := s.Handler(Config{Token: "sekret", Pprof: true})

	cases := []struct {
		name string
		req  func() *http.Request
		code int
	}{
		{"none", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/healthz", nil) }, http.StatusUnauthorized},
		{"query", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/healthz?token=sekret", nil) }, http.StatusOK},
		{"bad query", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/healthz?token=nope", nil) }, http.StatusUnauthorized},
		{"bearer", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			r.Header.Set("Authorization", "Bearer sekret")
			return r
		}, http.StatusOK},
		{"pprof", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/debug/pprof/?token=sekret", nil) }, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tc.req())
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestServeAndStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, fakeReporter{health: Health{Status: "ok"}}, logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Nil(t, s.Supervisor())
	http.DefaultClient.CloseIdleConnections()
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:1"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":1"))
	assert.False(t, isLoopbackAddr("0.0.0.0:1"))

	s := New(Config{Addr: "0.0.0.0:0"}, fakeReporter{}, logx.Nop())
	require.Error(t, s.serveOnce(context.Background()))
}
