package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devports/rpt/pkg/models"
)

func rowFor(t *testing.T, out, prefix string) []string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.Fields(line)
		}
	}
	t.Fatalf("no row starting with %q in:\n%s", prefix, out)
	return nil
}

func TestPrintHostTable(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, printHostTable(&out, sampleSnapshot().Hosts))
	s := out.String()

	assert.True(t, strings.HasPrefix(s, "Host"))
	assert.Equal(t, []string{"dev", "succeeded", "10:00:00", "3", "1", "-"}, rowFor(t, s, "dev "))
	gpu := rowFor(t, s, "gpu ")
	assert.Equal(t, []string{"gpu", "failed", "-", "0", "0"}, gpu[:5])
	assert.Contains(t, s, "ssh connection failed: gpu exited 255")
}

func TestPrintProcessTable(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, printProcessTable(&out, sampleSnapshot().Hosts))
	s := out.String()

	assert.Equal(t, []string{"dev", "3000", "11", "alice", "node", "forwarded", "3001", "Dashboard"}, rowFor(t, s, "dev   3000"))
	assert.Equal(t, []string{"dev", "8888", "10", "alice", "python3", "unforwarded", "-", "-"}, rowFor(t, s, "dev   8888"))
	assert.Contains(t, rowFor(t, s, "gpu"), "unreachable")
}

func TestScanCmd_ReportsEveryHost(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: map[string]reply{
		"alpha": {stdout: scanOutput(lsofListen)},
	}}
	app := testApp(t, "Host alpha beta\n", transport)
	_, err := app.ReloadHosts()
	require.NoError(t, err)

	var out bytes.Buffer
	err = app.ScanCmd(context.Background(), &out, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beta")

	s := out.String()
	assert.Contains(t, rowFor(t, s, "alpha"), "8765")
	assert.Contains(t, rowFor(t, s, "beta"), "unreachable")

	out.Reset()
	require.NoError(t, app.ScanCmd(context.Background(), &out, []string{"alpha"}))
	assert.NotContains(t, out.String(), "beta")
}

func TestLogsCmd_NoTunnelYet(t *testing.T) {
	t.Parallel()

	app := testApp(t, "Host alpha\n", &fakeTransport{})
	err := app.LogsCmd(&bytes.Buffer{}, "alpha", 8765, 20)
	require.Error(t, err)
	assert.Equal(t, "no tunnel logs for alpha:8765 yet", err.Error())
}

func TestStatusCmd(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: map[string]reply{
		"alpha": {stdout: scanOutput(lsofListen)},
	}}
	app := testApp(t, "Host alpha\n", transport)
	_, err := app.ReloadHosts()
	require.NoError(t, err)

	var out bytes.Buffer
	assert.Error(t, app.StatusCmd(&out, "ghost", 8765))
	require.NoError(t, app.Scan(context.Background(), "alpha"))
	assert.Error(t, app.StatusCmd(&out, "alpha", 1))

	require.NoError(t, app.StatusCmd(&out, "alpha", 8765))
	s := out.String()
	assert.Contains(t, s, "REMOTE PORT DETAILS")
	assert.Contains(t, s, "Command: python3")
	assert.Contains(t, s, "State:  unforwarded")
	assert.NotContains(t, s, "TUNNEL HEALTH")

	require.NoError(t, app.Forward(context.Background(), "alpha", 8765))
	require.Eventually(t, func() bool {
		return app.Registry().Snapshot().Host("alpha").Process(8765).State == models.StateForwarded
	}, 2*time.Second, 5*time.Millisecond)

	out.Reset()
	require.NoError(t, app.StatusCmd(&out, "alpha", 8765))
	s = out.String()
	assert.Contains(t, s, "TUNNEL HEALTH")
	assert.Contains(t, s, "Local:    localhost:8765")
	assert.Contains(t, s, "Tunnel: ssh attempt active")
}
