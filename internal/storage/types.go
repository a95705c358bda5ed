package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AlertRecord is one delivered (or abandoned) alert.
// Keep it compact and schema-stable.
type AlertRecord struct {
	At       time.Time `json:"at"`
	ID       string    `json:"id"`
	Sink     string    `json:"sink"`
	Type     string    `json:"type,omitempty"`
	Title    string    `json:"title"`
	Content  string    `json:"content,omitempty"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}
