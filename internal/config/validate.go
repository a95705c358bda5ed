package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// Validate checks everything that can be checked without side effects:
// durations parse, URLs are absolute, and listeners are safe to expose.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Backend.URL) == "" {
		add(errors.New("backend.url is required"))
	} else {
		add(checkURL("backend.url", cfg.Backend.URL, "http", "https"))
	}
	add(durations(map[string]string{
		"backend.timeout":                cfg.Backend.Timeout,
		"stream.reconnect_delay":         cfg.Stream.ReconnectDelay,
		"stream.heartbeat_in":            cfg.Stream.HeartbeatIn,
		"stream.heartbeat_out":           cfg.Stream.HeartbeatOut,
		"stream.connect_timeout":         cfg.Stream.ConnectTimeout,
		"cache.notifications_stale_time": cfg.Cache.NotificationsStaleTime,
		"cache.resumes_stale_time":       cfg.Cache.ResumesStaleTime,
		"refresh.timeout":                cfg.Refresh.Timeout,
		"telegram.timeout":               cfg.Telegram.Timeout,
		"status.read_timeout":            cfg.Status.ReadTimeout,
		"status.write_timeout":           cfg.Status.WriteTimeout,
		"status.idle_timeout":            cfg.Status.IdleTimeout,
		"devbackend.token_ttl":           cfg.DevBackend.TokenTTL,
	}))

	if u := strings.TrimSpace(cfg.Stream.BrokerURL); u != "" {
		add(checkURL("stream.broker_url", u, "ws", "wss", "tcp"))
	}
	if p := strings.TrimSpace(cfg.Stream.TopicPrefix); p != "" && !strings.HasPrefix(p, "/") {
		add(fmt.Errorf("stream.topic_prefix must start with '/': %q", p))
	}

	if s := cfg.Session; strings.TrimSpace(s.Token) == "" && strings.TrimSpace(s.TokenFile) != "" {
		if _, err := os.Stat(s.TokenFile); err != nil {
			add(fmt.Errorf("session.token_file: %w", err))
		}
	}

	if a := cfg.Alerts; a != nil {
		add(durations(map[string]string{
			"alerts.retry_base":      a.RetryBase,
			"alerts.retry_max_delay": a.RetryMaxDelay,
			"alerts.dedup_window":    a.DedupWindow,
			"alerts.duration":        a.Duration,
		}))
		if a.Workers < 0 || a.QueueSize < 0 || a.RatePerSec < 0 || a.RetryMax < 0 {
			add(errors.New("alerts: counts must be >= 0"))
		}
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token is required when telegram.enabled"))
		}
		if cfg.Telegram.ChatID == 0 {
			add(errors.New("telegram.chat_id is required when telegram.enabled"))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown %q", st.Driver))
		}
		add(durations(map[string]string{"storage.busy_timeout": st.BusyTimeout}))
	}
	if cfg.Cache.Persist && (cfg.Storage == nil || strings.TrimSpace(cfg.Storage.Driver) == "") {
		add(errors.New("cache.persist requires storage"))
	}

	if cfg.Status.Enabled {
		add(checkListener("status", cfg.Status.Addr, cfg.Status.Token, cfg.Status.AllowInsecure))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown %q", cfg.Logging.Level))
	}

	return errors.Join(errs...)
}

func durations(fields map[string]string) error {
	var errs []error
	for path, raw := range fields {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkURL(path, raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: want %s URL with host, got %q", path, strings.Join(schemes, "/"), raw)
}

// checkListener refuses non-loopback binds without a token unless allowed.
func checkListener(path, addr, token string, allowInsecure bool) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s.addr: %w", path, err)
	}
	if IsLoopbackHost(host) || strings.TrimSpace(token) != "" || allowInsecure {
		return nil
	}
	return fmt.Errorf("%s.addr %q is not loopback: set %s.token or %s.allow_insecure", path, addr, path, path)
}

func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
