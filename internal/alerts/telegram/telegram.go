// Package telegram forwards alerts to a Telegram chat (optionally a forum
// topic) through the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"notibell/internal/alerts"
	"notibell/pkg/logx"
)

// Telegram counts message length after entity parsing.
const (
	textLimit  = 4096
	titleLimit = 256
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL string
}

// Sink implements alerts.Sink. The bot runs offline: it only sends and
// never polls for updates.
type Sink struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg, bot: b, log: log}, nil
}

func (s *Sink) Name() string { return "telegram" }

// Show sends one message. telebot has no per-call context, so ctx is only
// checked before sending; the HTTP client timeout bounds the call.
func (s *Sink) Show(ctx context.Context, a alerts.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, Format(a), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Format renders an alert as Telegram HTML. Text is truncated before
// escaping, so the limit applies to what the reader sees.
func Format(a alerts.Alert) string {
	title := truncRunes(strings.TrimSpace(a.Title), titleLimit)
	head := bold(title)
	if a.Type != "" {
		head = joinHTML(" ", head, italic(a.Type))
	}
	used := utf8.RuneCountInString(title) + utf8.RuneCountInString(a.Type) + 2
	body := esc(truncRunes(strings.TrimSpace(a.Content), textLimit-used))
	return string(joinHTML("\n", head, body))
}
