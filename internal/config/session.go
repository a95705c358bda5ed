package config

import (
	"fmt"
	"os"
	"strings"
)

// ResolveToken returns the inline token, or the trimmed content of
// token_file. An empty result means "no credential", which is not an error.
func (s SessionConfig) ResolveToken() (string, error) {
	if t := strings.TrimSpace(s.Token); t != "" {
		return t, nil
	}
	path := strings.TrimSpace(s.TokenFile)
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("session.token_file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
