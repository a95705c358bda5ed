package config

// Config is the notibell configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Backend  BackendConfig  `json:"backend"`
	Session  SessionConfig  `json:"session"`
	Stream   StreamConfig   `json:"stream"`
	Cache    CacheConfig    `json:"cache"`
	Refresh  RefreshConfig  `json:"refresh"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Status   StatusConfig   `json:"status,omitempty"`
	Systemd  SystemdConfig  `json:"systemd,omitempty"`

	// Alerts controls the alert pipeline. If omitted it runs with defaults.
	Alerts  *AlertsConfig  `json:"alerts,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`

	DevBackend DevBackendConfig `json:"devbackend,omitempty"`
}

// BackendConfig points at the recruitment backend REST API.
type BackendConfig struct {
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"` // default "15s"
}

// SessionConfig holds the access credential. Token wins over TokenFile.
// A change to either on reload tears the session down and starts a new one.
type SessionConfig struct {
	Token     string `json:"token,omitempty"` // do not log
	TokenFile string `json:"token_file,omitempty"`
}

// StreamConfig controls the push subscription.
//
// Defaults:
//   - broker_url: backend.url with http->ws / https->wss and path "/ws"
//   - topic_prefix: "/topic/user/"
//   - reconnect_delay: "5s"
//   - heartbeat_in / heartbeat_out: "4s"
type StreamConfig struct {
	Disabled       bool   `json:"disabled,omitempty"`
	BrokerURL      string `json:"broker_url,omitempty"`
	TopicPrefix    string `json:"topic_prefix,omitempty"`
	ReconnectDelay string `json:"reconnect_delay,omitempty"`
	HeartbeatIn    string `json:"heartbeat_in,omitempty"`
	HeartbeatOut   string `json:"heartbeat_out,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"` // default "10s"
}

// CacheConfig controls freshness windows and snapshot persistence.
type CacheConfig struct {
	NotificationsStaleTime string `json:"notifications_stale_time,omitempty"` // default "30s"
	ResumesStaleTime       string `json:"resumes_stale_time,omitempty"`       // default "30s"
	// Persist keeps the last fetched values in storage (requires storage).
	Persist bool `json:"persist,omitempty"`
}

// RefreshConfig controls background reconciliation with the server.
//
// Schedule accepts cron ("*/5 * * * *"), "@every 1m" or a plain duration.
type RefreshConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Schedule string `json:"schedule,omitempty"` // default "@every 1m"
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // per refetch, default "15s"
}

// AlertsConfig controls the async alert pipeline.
type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	Console         bool   `json:"console"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	// Duration is how long an alert stays on screen (default "5s").
	Duration  string `json:"duration,omitempty"`
	Placement string `json:"placement,omitempty"` // default "topRight"
}

// DefaultAlerts is what an omitted alerts section means.
func DefaultAlerts() AlertsConfig {
	return AlertsConfig{
		Enabled:         true,
		Console:         true,
		Workers:         2,
		QueueSize:       256,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "30s",
		DedupMaxEntries: 2000,
		Duration:        "5s",
		Placement:       "topRight",
	}
}

// TelegramConfig enables forwarding alerts to a Telegram chat.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // default "10s"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notibell.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// StatusConfig controls the local status server (health, bell view, pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6061"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SystemdConfig controls sd_notify integration. It is a no-op when the
// process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify,omitempty"`
	Watchdog bool `json:"watchdog,omitempty"`
}

// DevBackendConfig configures the local backend emulator.
type DevBackendConfig struct {
	Addr      string `json:"addr,omitempty"`    // default "127.0.0.1:8080"
	DBPath    string `json:"db_path,omitempty"` // default "./data/devbackend.db"
	JWTSecret string `json:"jwt_secret,omitempty"`
	TokenTTL  string `json:"token_ttl,omitempty"` // default "24h"
}
