package process

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandArgs(t *testing.T) {
	t.Parallel()

	got, err := ParseCommandArgs(`ssh -F "/home/me/my config" -o BatchMode=no`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	want := []string{"ssh", "-F", "/home/me/my config", "-o", "BatchMode=no"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected argv: got %#v want %#v", got, want)
	}
}

func TestParseCommandArgs_UnterminatedQuote(t *testing.T) {
	t.Parallel()

	if _, err := ParseCommandArgs(`ssh -F "/etc/ssh`); err == nil {
		t.Fatal("expected unterminated quote error")
	}
}

func TestTailReader_KeepsLastLines(t *testing.T) {
	t.Parallel()

	got, err := tailReader(strings.NewReader("a\nb\nc\nd\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, got)
}

func TestSanitizeLogName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dev-box_8080", sanitizeLogName("dev-box:8080"))
	assert.Equal(t, "a_b", sanitizeLogName("a/b"))
}

func TestSpawn_CapturesStderrAndExit(t *testing.T) {
	t.Parallel()

	m := NewManager(t.TempDir())
	h, err := m.Spawn([]string{"sh", "-c", "echo bind failed >&2; exit 3"}, nil, "host:1")
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	require.Error(t, h.Err())
	assert.Equal(t, []string{"bind failed"}, h.StderrTail())

	lines, err := m.Tail("host:1", 10)
	require.NoError(t, err)
	assert.Contains(t, lines, "bind failed")
	assert.Equal(t, filepath.Dir(h.LogPath()), filepath.Join(m.logsDir, "host_1"))
}

func TestKill_StopsRunningProcess(t *testing.T) {
	t.Parallel()

	m := NewManager(t.TempDir())
	h, err := m.Spawn([]string{"sleep", "30"}, nil, "sleeper")
	require.NoError(t, err)
	require.True(t, m.IsRunning(h.Pid()))

	require.NoError(t, m.Kill(h.Pid()))

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL")
	}
	assert.False(t, m.IsRunning(h.Pid()))
}

func TestTail_NoLogs(t *testing.T) {
	t.Parallel()

	m := NewManager(t.TempDir())
	_, err := m.Tail("missing", 5)
	assert.ErrorIs(t, err, ErrNoLogs)

	lines, err := m.Tail("missing", 0)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestSpawn_EmptyArgv(t *testing.T) {
	t.Parallel()

	m := NewManager(t.TempDir())
	_, err := m.Spawn(nil, nil, "x")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(m.logsDir, "x"))
	assert.True(t, os.IsNotExist(statErr))
}
