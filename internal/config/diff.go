package config

import (
	"reflect"
	"sort"
	"strings"

	"notibell/pkg/logx"
)

// SummarizeChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens) are never included; only
// whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	trim := strings.TrimSpace

	if trim(oldCfg.Backend.URL) != trim(newCfg.Backend.URL) || trim(oldCfg.Backend.Timeout) != trim(newCfg.Backend.Timeout) {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.url", trim(newCfg.Backend.URL)),
			logx.String("backend.timeout", trim(newCfg.Backend.Timeout)),
		)
	}

	if SessionChanged(oldCfg, newCfg) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.Bool("session.token_set", trim(newCfg.Session.Token) != ""),
			logx.String("session.token_file", trim(newCfg.Session.TokenFile)),
		)
	}

	if oldCfg.Stream != newCfg.Stream {
		changed = append(changed, "stream")
		attrs = append(attrs,
			logx.Bool("stream.disabled", newCfg.Stream.Disabled),
			logx.String("stream.broker_url", trim(newCfg.Stream.BrokerURL)),
			logx.String("stream.reconnect_delay", trim(newCfg.Stream.ReconnectDelay)),
		)
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.notifications_stale_time", trim(newCfg.Cache.NotificationsStaleTime)),
			logx.Bool("cache.persist", newCfg.Cache.Persist),
		)
	}

	if oldCfg.Refresh != newCfg.Refresh {
		changed = append(changed, "refresh")
		attrs = append(attrs,
			logx.Bool("refresh.disabled", newCfg.Refresh.Disabled),
			logx.String("refresh.schedule", trim(newCfg.Refresh.Schedule)),
		)
	}

	oldA, newA := DefaultAlerts(), DefaultAlerts()
	if oldCfg.Alerts != nil {
		oldA = *oldCfg.Alerts
	}
	if newCfg.Alerts != nil {
		newA = *newCfg.Alerts
	}
	if !reflect.DeepEqual(oldA, newA) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newA.Enabled),
			logx.Int("alerts.workers", newA.Workers),
			logx.Int("alerts.rate_per_sec", newA.RatePerSec),
			logx.String("alerts.dedup_window", trim(newA.DedupWindow)),
		)
	}

	oT, nT := oldCfg.Telegram, newCfg.Telegram
	if oT.Enabled != nT.Enabled || oT.ChatID != nT.ChatID || oT.ThreadID != nT.ThreadID ||
		trim(oT.Timeout) != trim(nT.Timeout) || trim(oT.Token) != trim(nT.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nT.Enabled),
			logx.Bool("telegram.token_set", trim(nT.Token) != ""),
			logx.Int64("telegram.chat_id", nT.ChatID),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(nS.Driver)),
			logx.Bool("storage.path_set", trim(nS.Path) != ""),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", trim(newCfg.Status.Addr)),
			logx.Bool("status.token_set", trim(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// SessionChanged reports whether the credential source differs. It does not
// read token_file; callers compare resolved tokens for that.
func SessionChanged(oldCfg, newCfg *Config) bool {
	return strings.TrimSpace(oldCfg.Session.Token) != strings.TrimSpace(newCfg.Session.Token) ||
		strings.TrimSpace(oldCfg.Session.TokenFile) != strings.TrimSpace(newCfg.Session.TokenFile)
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "backend", "stream", "storage", "telegram", "cache":
			out = append(out, s)
		}
	}
	return out
}
