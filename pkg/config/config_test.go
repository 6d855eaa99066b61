package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), settings)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	settings, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, settings.Tunnel.PollAttempts)
	assert.Equal(t, time.Second, settings.Tunnel.PollInterval)
	assert.Equal(t, 2, settings.Tunnel.MinConnections)
}

func TestLoad_Overlay(t *testing.T) {
	path := writeSettings(t, `
ssh:
  command: ssh -F /tmp/alt
  connectTimeout: 3s
  askpass: /usr/local/bin/ssh-askpass
tunnel:
  pollAttempts: 4
  inspector: lsof
enrich:
  disabled: true
scan:
  concurrency: 8
`)
	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ssh -F /tmp/alt", settings.SSH.Command)
	assert.Equal(t, 3*time.Second, settings.SSH.ConnectTimeout)
	assert.Equal(t, 20*time.Second, settings.SSH.CommandTimeout, "unset fields keep defaults")
	assert.Equal(t, "/usr/local/bin/ssh-askpass", settings.SSH.Askpass)
	assert.Equal(t, 4, settings.Tunnel.PollAttempts)
	assert.Equal(t, time.Second, settings.Tunnel.PollInterval)
	assert.Equal(t, InspectorLsof, settings.Tunnel.Inspector)
	assert.True(t, settings.Enrich.Disabled)
	assert.Equal(t, 8, settings.Scan.Concurrency)
}

func TestLoad_RejectsUnknownTransport(t *testing.T) {
	path := writeSettings(t, "ssh:\n  transport: carrier-pigeon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := writeSettings(t, "ssh: [unclosed\n")
	_, err := Load(path)
	assert.Error(t, err)
}
