package sshconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `Host *
    ServerAliveInterval 30

Host dev-box gpu-1
    HostName 10.0.0.9
    User alice
    Port 2222
    IdentityFile /keys/dev

Host bastion
    HostName bastion.example.com

Host web-? !prod-*
    User deploy

Host dev-box
    User ignored
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestHosts_SkipsPatterns(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-box", "gpu-1", "bastion"}, cfg.Hosts())
}

func TestLookup(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	spec := cfg.Lookup("dev-box")
	assert.Equal(t, "10.0.0.9", spec.HostName)
	assert.Equal(t, "alice", spec.User)
	assert.Equal(t, "2222", spec.Port)
	assert.Equal(t, []string{"/keys/dev"}, spec.IdentityFiles)

	bastion := cfg.Lookup("bastion")
	assert.Equal(t, "bastion.example.com", bastion.HostName)
	assert.Equal(t, "22", bastion.Port)
	assert.Len(t, bastion.IdentityFiles, len(defaultIdentities))

	unknown := cfg.Lookup("plain.example.org")
	assert.Equal(t, "plain.example.org", unknown.HostName)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Hosts())
}

func TestExpandHome(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh/id_rsa"), ExpandHome("~/.ssh/id_rsa"))
	assert.Equal(t, "/abs/key", ExpandHome("/abs/key"))
}

func TestWatcher_FiresOnWrite(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sample)
	changed := make(chan struct{}, 4)
	w, err := NewWatcher(path, func() { changed <- struct{}{} })
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("Host other\n"), 0600))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
