package alerts

import (
	"context"
	"time"
)

// Display defaults.
const (
	DefaultTitle     = "New notification"
	DefaultPlacement = "topRight"
	DefaultDuration  = 5 * time.Second
)

// Alert is a transient, user-visible message raised for a push.
type Alert struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Content   string        `json:"content,omitempty"`
	Type      string        `json:"type,omitempty"`
	Placement string        `json:"placement"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Sink shows alerts somewhere. Show must honor ctx.
type Sink interface {
	Name() string
	Show(ctx context.Context, a Alert) error
}

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	SendTimeout     time.Duration
	Placement       string
	Duration        time.Duration
}

type HistoryItem struct {
	At    time.Time
	Sink  string
	Alert Alert
}

// Event is the payload of the alert.* bus events.
type Event struct {
	AlertID string    `json:"alert_id"`
	Sink    string    `json:"sink,omitempty"`
	Key     string    `json:"key,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
