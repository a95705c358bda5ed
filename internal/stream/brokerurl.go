package stream

import (
	"fmt"
	"net/url"
	"strings"
)

// BrokerURL derives the websocket endpoint from the backend base URL:
// http becomes ws, https becomes wss, and "/ws" is appended to the path.
func BrokerURL(backend string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(backend))
	if err != nil {
		return "", fmt.Errorf("stream: backend url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("stream: unsupported backend scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("stream: backend url has no host: %q", backend)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery, u.Fragment = "", ""
	return u.String(), nil
}

// Topic is the per-principal destination.
func Topic(prefix, email string) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + email
}
