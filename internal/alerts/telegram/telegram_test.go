package telegram

import (
	"context"
	"encoding/json"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibell/internal/alerts"
	"notibell/pkg/logx"
)

func TestShowPostsSendMessage(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/sendMessage"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":10,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`)
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", ChatID: -100, ThreadID: 7, APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Show(context.Background(), alerts.Alert{Title: "Resume <approved>", Content: "a & b", Type: "RESUME_UPDATE"}))

	assert.Equal(t, "-100", got["chat_id"])
	assert.Equal(t, "<b>Resume &lt;approved&gt;</b> <i>RESUME_UPDATE</i>\na &amp; b", got["text"])
	assert.Equal(t, "HTML", got["parse_mode"])
}

func TestShowReportsAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", ChatID: 1, APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	require.Error(t, s.Show(context.Background(), alerts.Alert{Title: "x"}))
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	t.Parallel()
	_, err := New(Config{ChatID: 1}, logx.Nop())
	require.Error(t, err)
	_, err = New(Config{Token: "t"}, logx.Nop())
	require.Error(t, err)
}

func TestFormatTruncatesVisibleText(t *testing.T) {
	t.Parallel()
	out := Format(alerts.Alert{Title: "t", Content: strings.Repeat("é&", 3000)})
	assert.True(t, strings.HasSuffix(out, "…"))
	visible := html.UnescapeString(strings.NewReplacer("<b>", "", "</b>", "").Replace(out))
	assert.LessOrEqual(t, utf8.RuneCountInString(visible), textLimit)
	assert.NotContains(t, out, "&amp…", "never cut inside an entity")
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "héllo", truncRunes("héllo", 5))
	assert.Equal(t, "hé…", truncRunes("héllo", 3))
	assert.Equal(t, "", truncRunes("héllo", 0))
	assert.Equal(t, "<b>x</b> <i>y</i>", string(joinHTML(" ", bold("x"), "  ", italic("y"))))
}
