package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Layouts accepted for createdAt, besides epoch numbers and the array form.
// Backends built on LocalDateTime omit the zone; those are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Epoch values below this are seconds, above it milliseconds.
const epochMillisFloor = 1e11

// parseTime reads a JSON timestamp. It accepts an RFC 3339 or zone-less
// string, epoch seconds or milliseconds (integer or decimal), and the
// [y,m,d,h,mi,s,nanos] array Jackson writes for LocalDateTime. ok is false
// for anything else; createdAt is informational and never fails a message.
func parseTime(raw json.RawMessage) (t time.Time, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, true
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
		if s == "" {
			return time.Time{}, true
		}
		for _, l := range timeLayouts {
			if t, err := time.Parse(l, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case '[':
		return parseTimeArray(raw)
	default:
		return parseEpoch(string(raw))
	}
}

func parseEpoch(s string) (time.Time, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if math.Abs(float64(n)) < epochMillisFloor {
			return time.Unix(n, 0).UTC(), true
		}
		return time.UnixMilli(n).UTC(), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if math.Abs(f) >= epochMillisFloor {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), true
}

func parseTimeArray(raw json.RawMessage) (time.Time, bool) {
	var parts []int
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 3 || len(parts) > 7 {
		return time.Time{}, false
	}
	f := make([]int, 7)
	copy(f, parts)
	if f[1] < 1 || f[1] > 12 || f[2] < 1 || f[2] > 31 {
		return time.Time{}, false
	}
	return time.Date(f[0], time.Month(f[1]), f[2], f[3], f[4], f[5], f[6], time.UTC), true
}

func (n *Notification) UnmarshalJSON(b []byte) error {
	type plain Notification
	aux := struct {
		*plain
		CreatedAt json.RawMessage `json:"createdAt"`
	}{plain: (*plain)(n)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	n.CreatedAt, _ = parseTime(aux.CreatedAt)
	return nil
}

func (m *PushMessage) UnmarshalJSON(b []byte) error {
	type plain PushMessage
	aux := struct {
		*plain
		CreatedAt json.RawMessage `json:"createdAt"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t, ok := parseTime(aux.CreatedAt)
	m.CreatedAt = t
	m.rawCreatedAt = ""
	if !ok {
		m.rawCreatedAt = string(aux.CreatedAt)
	}
	return nil
}

// UnreadableCreatedAt returns the raw createdAt value when it could not be
// parsed, or "".
func (m PushMessage) UnreadableCreatedAt() string { return m.rawCreatedAt }
