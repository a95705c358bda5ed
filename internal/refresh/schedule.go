package refresh

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultSchedule refetches observed views once a minute.
const DefaultSchedule = "@every 1m"

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// CronSpec normalizes a schedule string into something robfig/cron parses.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "@hourly", "@every 55m" (a "cron:" prefix forces this)
//   - Go duration: "90s", "2h30m"
//   - HH:MM interval: "00:05" is five minutes
//
// Intervals become "@every <d>".
func CronSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultSchedule, nil
	}
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", fmt.Errorf("cron schedule required after 'cron:'")
		}
		return expr, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or duration like '1m')", raw)
	}
	return "@every " + d.String(), nil
}

func parseInterval(v string) (time.Duration, error) {
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
