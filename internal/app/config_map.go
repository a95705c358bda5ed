package app

import (
	"fmt"
	"strings"
	"time"

	"notibell/internal/alerts"
	"notibell/internal/alerts/telegram"
	"notibell/internal/bell"
	"notibell/internal/config"
	"notibell/internal/devbackend"
	"notibell/internal/observability/status"
	"notibell/internal/refresh"
	"notibell/internal/storage"
	"notibell/internal/stream"
	"notibell/pkg/logx"
)

// Mappers turn a validated config into component configs. Defaults live in
// the components; empty durations fall through to them.

// mapLogging maps the logging section; a non-empty level overrides the file.
func mapLogging(cfg *config.Config, level string) logx.Config {
	if level == "" {
		level = cfg.Logging.Level
	}
	return logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: config.DurationOr(sc.BusyTimeout, time.Second)}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func alertsSection(cfg *config.Config) config.AlertsConfig {
	if cfg.Alerts == nil {
		return config.DefaultAlerts()
	}
	return *cfg.Alerts
}

func mapAlertsConfig(cfg *config.Config) alerts.Config {
	ac := alertsSection(cfg)
	return alerts.Config{
		Enabled:         ac.Enabled,
		Workers:         ac.Workers,
		QueueSize:       ac.QueueSize,
		RatePerSec:      ac.RatePerSec,
		RetryMax:        ac.RetryMax,
		RetryBase:       config.DurationOr(ac.RetryBase, 0),
		RetryMaxDelay:   config.DurationOr(ac.RetryMaxDelay, 0),
		DedupWindow:     config.DurationOr(ac.DedupWindow, 0),
		DedupMaxEntries: ac.DedupMaxEntries,
		PersistDedup:    ac.PersistDedup,
		SendTimeout:     config.DurationOr(cfg.Telegram.Timeout, 0),
		Placement:       ac.Placement,
		Duration:        config.DurationOr(ac.Duration, alerts.DefaultDuration),
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:    cfg.Telegram.Token,
		ChatID:   cfg.Telegram.ChatID,
		ThreadID: cfg.Telegram.ThreadID,
		Timeout:  config.DurationOr(cfg.Telegram.Timeout, 10*time.Second),
	}
}

func mapStreamConfig(cfg *config.Config) (stream.Config, stream.STOMPConfig, error) {
	sc := cfg.Stream
	broker := strings.TrimSpace(sc.BrokerURL)
	if broker == "" {
		u, err := stream.BrokerURL(cfg.Backend.URL)
		if err != nil {
			return stream.Config{}, stream.STOMPConfig{}, err
		}
		broker = u
	}
	return stream.Config{
			TopicPrefix:    sc.TopicPrefix,
			ReconnectDelay: config.DurationOr(sc.ReconnectDelay, stream.DefaultReconnectDelay),
			ConnectTimeout: config.DurationOr(sc.ConnectTimeout, stream.DefaultConnectTimeout),
		}, stream.STOMPConfig{
			URL:          broker,
			HeartbeatOut: config.DurationOr(sc.HeartbeatOut, stream.DefaultHeartbeat),
			HeartbeatIn:  config.DurationOr(sc.HeartbeatIn, stream.DefaultHeartbeat),
		}, nil
}

func mapRefreshConfig(cfg *config.Config) refresh.Config {
	return refresh.Config{
		Enabled:  !cfg.Refresh.Disabled,
		Schedule: cfg.Refresh.Schedule,
		Timezone: cfg.Refresh.Timezone,
		Timeout:  config.DurationOr(cfg.Refresh.Timeout, refresh.DefaultTimeout),
	}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	sc := cfg.Status
	return status.Config{
		Enabled:       sc.Enabled,
		Addr:          sc.Addr,
		Token:         sc.Token,
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   config.DurationOr(sc.ReadTimeout, 10*time.Second),
		// pprof profiles stream for up to 30s by default
		WriteTimeout: config.DurationOr(sc.WriteTimeout, 40*time.Second),
		IdleTimeout:  config.DurationOr(sc.IdleTimeout, 60*time.Second),
	}
}

func staleTimes(cfg *config.Config) (notifications, resumes time.Duration) {
	return config.DurationOr(cfg.Cache.NotificationsStaleTime, bell.DefaultStaleTime),
		config.DurationOr(cfg.Cache.ResumesStaleTime, bell.DefaultStaleTime)
}

// DevBackendConfig maps the devbackend section.
func DevBackendConfig(cfg *config.Config) (devbackend.Config, error) {
	dc := cfg.DevBackend
	secret := strings.TrimSpace(dc.JWTSecret)
	if secret == "" {
		return devbackend.Config{}, fmt.Errorf("devbackend.jwt_secret is required")
	}
	path := strings.TrimSpace(dc.DBPath)
	if path == "" {
		path = "./data/devbackend.db"
	}
	return devbackend.Config{
		Addr:        strings.TrimSpace(dc.Addr),
		DBPath:      path,
		Secret:      secret,
		TokenTTL:    config.DurationOr(dc.TokenTTL, devbackend.DefaultTokenTTL),
		TopicPrefix: cfg.Stream.TopicPrefix,
	}, nil
}
