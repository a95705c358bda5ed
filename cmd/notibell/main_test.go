package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs(t *testing.T) {
	t.Parallel()
	ids, err := parseIDs([]string{"1", "42"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 42}, ids)

	_, err = parseIDs([]string{"1", "x"})
	require.Error(t, err)
}

func TestDevBackendConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  url: http://localhost:8080
devbackend:
  addr: 127.0.0.1:9000
  jwt_secret: from-file
  token_ttl: 2h
`), 0o600))

	cmd := newDevBackendCmd(&Flags{ConfigPath: path})
	dc, err := cmd.config()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", dc.Addr)
	assert.Equal(t, "from-file", dc.Secret)
	assert.Equal(t, 2*time.Hour, dc.TokenTTL)

	cmd.secret, cmd.addr = "from-flag", "127.0.0.1:9001"
	dc, err = cmd.config()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", dc.Secret)
	assert.Equal(t, "127.0.0.1:9001", dc.Addr)
}

func TestDevBackendConfigWithoutFileNeedsSecret(t *testing.T) {
	cmd := newDevBackendCmd(&Flags{ConfigPath: filepath.Join(t.TempDir(), "missing.json")})
	_, err := cmd.config()
	require.Error(t, err)

	cmd.secret = "s"
	dc, err := cmd.config()
	require.NoError(t, err)
	assert.Equal(t, "./data/devbackend.db", dc.DBPath)
}
