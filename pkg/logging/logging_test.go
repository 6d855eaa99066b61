package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLILoggingIncludesSubsystemAndError(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelDebug, &buf)
	defer Discard()

	Error("Scan", errors.New("boom"), "scan of %s failed", "gpu1")

	out := buf.String()
	assert.Contains(t, out, "scan of gpu1 failed")
	assert.Contains(t, out, "subsystem=Scan")
	assert.Contains(t, out, "error=boom")
}

func TestCLILoggingRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelWarn, &buf)
	defer Discard()

	Info("Tunnel", "hidden")
	Warn("Tunnel", "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestTUILoggingWritesFile(t *testing.T) {
	dir := t.TempDir()
	path, err := InitForTUI(LevelInfo, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rpt.log"), path)

	Info("Registry", "snapshot %d", 3)
	Close()
	Discard()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "snapshot 3"))
}

func TestLevelStrings(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}
