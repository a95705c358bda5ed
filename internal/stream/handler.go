package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"notibell/internal/alerts"
	"notibell/internal/eventbus"
	"notibell/internal/model"
	"notibell/internal/querycache"
	"notibell/pkg/logx"
)

// Raiser shows an alert.
type Raiser interface {
	Raise(ctx context.Context, a alerts.Alert) (alerts.Alert, error)
}

// Invalidator marks cache entries stale.
type Invalidator interface {
	Invalidate(keys ...querycache.AnyKey)
}

// PushHandler turns push messages into an alert and, for resume updates,
// invalidates the notification and resume views.
type PushHandler struct {
	alerts Raiser
	cache  Invalidator
	bus    eventbus.Bus
	log    logx.Logger
}

func NewPushHandler(a Raiser, cache Invalidator, bus eventbus.Bus, log logx.Logger) *PushHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PushHandler{alerts: a, cache: cache, bus: bus, log: log}
}

// invalidates maps a push type to the cache entries it makes stale.
func invalidates(typ string) []querycache.AnyKey {
	switch typ {
	case model.TypeResumeUpdate:
		return []querycache.AnyKey{querycache.ResumesKey(), querycache.NotificationsKey()}
	default:
		return nil
	}
}

var errEmptyPush = errors.New("push body carries no title, content or type")

// decodePush accepts only a JSON object with at least one of title, content
// or type set.
func decodePush(body []byte) (model.PushMessage, error) {
	var msg model.PushMessage
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, errors.New("push body is not a JSON object")
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return msg, err
	}
	if msg.Title == "" && msg.Content == "" && msg.Type == "" {
		return msg, errEmptyPush
	}
	return msg, nil
}

// Handle never fails: a malformed body is logged and dropped.
func (h *PushHandler) Handle(ctx context.Context, body []byte) {
	msg, err := decodePush(body)
	if err != nil {
		h.log.Warn("push message parse failed", logx.Err(err), logx.Int("bytes", len(body)))
		return
	}
	if raw := msg.UnreadableCreatedAt(); raw != "" {
		h.log.Debug("push createdAt not understood, left unset", logx.String("createdAt", raw))
	}

	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeStreamMessage, Time: time.Now(), Data: msg})
	}

	title := strings.TrimSpace(msg.Title)
	if title == "" {
		title = alerts.DefaultTitle
	}
	if h.alerts != nil {
		_, err := h.alerts.Raise(ctx, alerts.Alert{
			Title:     title,
			Content:   msg.Content,
			Type:      msg.Type,
			CreatedAt: msg.CreatedAt,
		})
		switch {
		case err == nil, errors.Is(err, alerts.ErrDisabled):
		default:
			h.log.Warn("alert not raised", logx.Err(err))
		}
	}

	if keys := invalidates(msg.Type); len(keys) > 0 && h.cache != nil {
		h.cache.Invalidate(keys...)
	}
}
