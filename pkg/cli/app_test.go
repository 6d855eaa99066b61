package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devports/rpt/pkg/config"
	"github.com/devports/rpt/pkg/models"
	"github.com/devports/rpt/pkg/remote"
	"github.com/devports/rpt/pkg/tunnel"
)

const lsofListen = `COMMAND   PID  USER   FD   TYPE DEVICE SIZE/OFF NODE NAME
python3  4410 alice    5u  IPv4  88120      0t0  TCP *:8765 (LISTEN)
`

func scanOutput(lsof string) string {
	var b strings.Builder
	for _, name := range remote.Sections() {
		b.WriteString(remote.Sentinel + " " + string(name) + "\n")
		switch name {
		case remote.SectionListenLsof:
			b.WriteString(lsof)
		case remote.SectionUptime:
			b.WriteString(" 10:00:00 up 3 days, load average: 0.10, 0.05, 0.01\n")
		case remote.SectionWorkDir:
			b.WriteString("/home/alice\n")
		}
	}
	return b.String()
}

type reply struct {
	stdout string
	code   int
	err    error
}

type fakeTransport struct {
	mu      sync.Mutex
	replies map[string]reply
	calls   []string
}

func (f *fakeTransport) Run(ctx context.Context, host, command string) (string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, host)
	r, ok := f.replies[host]
	f.mu.Unlock()
	if !ok {
		return "", 255, nil
	}
	return r.stdout, r.code, r.err
}

func (f *fakeTransport) set(host string, r reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[host] = r
}

type fakeChild struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func (c *fakeChild) Pid() int              { return c.pid }
func (c *fakeChild) Done() <-chan struct{} { return c.done }
func (c *fakeChild) Err() error            { return nil }
func (c *fakeChild) StderrTail() []string  { return nil }

type fakeSpawner struct {
	mu       sync.Mutex
	nextPid  int
	children map[int]*fakeChild
}

func (s *fakeSpawner) Spawn(argv, env []string, logName string) (tunnel.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPid++
	c := &fakeChild{pid: s.nextPid, done: make(chan struct{})}
	s.children[c.pid] = c
	return c, nil
}

func (s *fakeSpawner) Kill(pid int) error {
	s.mu.Lock()
	c, ok := s.children[pid]
	s.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.done) })
	}
	return nil
}

type alwaysUp struct{}

func (alwaysUp) Established(ctx context.Context, pid int) bool { return true }

type nothingListening struct{}

func (nothingListening) InUse(port int) bool { return false }

func testApp(t *testing.T, sshConfig string, transport remote.Transport) *App {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ssh_config")
	require.NoError(t, os.WriteFile(cfgPath, []byte(sshConfig), 0600))

	settings := config.Default()
	settings.Tunnel.PollInterval = 5 * time.Millisecond
	settings.Enrich.Timeout = 200 * time.Millisecond
	paths := models.ConfigPaths{
		ConfigDir:     dir,
		LogsDir:       filepath.Join(dir, "logs"),
		SSHConfigFile: cfgPath,
	}

	app := newApp(settings, paths, &liveConfig{}, deps{
		transport: transport,
		argv:      func(host string, extra ...string) []string { return append(append([]string{"ssh"}, extra...), host) },
		spawner:   &fakeSpawner{nextPid: 900, children: make(map[int]*fakeChild)},
		detector:  alwaysUp{},
		checker:   nothingListening{},
	})
	t.Cleanup(app.Close)
	return app
}

func TestReloadHosts_SkipsUnsafeNames(t *testing.T) {
	t.Parallel()

	app := testApp(t, "Host alpha beta bad|host\n  HostName 10.0.0.1\nHost *\n  User x\n", &fakeTransport{})
	skipped, err := app.ReloadHosts()
	require.NoError(t, err)

	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0], "bad|host")

	snap := app.Registry().Snapshot()
	require.Len(t, snap.Hosts, 2)
	assert.Equal(t, "alpha", snap.Hosts[0].Name)
	assert.Equal(t, "beta", snap.Hosts[1].Name)
	assert.Equal(t, "10.0.0.1", app.hosts.Lookup("alpha").HostName)
}

func TestWarnSkippedHosts(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	warnSkippedHosts([]string{"  - z|z (bad)", "  - -a (bad)"}, &out)
	s := out.String()
	assert.Contains(t, s, "Warning")
	assert.Less(t, strings.Index(s, "-a"), strings.Index(s, "z|z"))

	out.Reset()
	warnSkippedHosts(nil, &out)
	assert.Empty(t, out.String())
}

func TestScanAll_FailingHostDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: map[string]reply{
		"alpha": {stdout: scanOutput(lsofListen), code: 0},
		"gamma": {stdout: scanOutput(""), code: 1},
		// beta has no reply and answers 255.
	}}
	app := testApp(t, "Host alpha beta gamma\n", transport)
	_, err := app.ReloadHosts()
	require.NoError(t, err)

	err = app.ScanAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrConnectionFailed))
	assert.Contains(t, err.Error(), "beta")

	snap := app.Registry().Snapshot()
	alpha := snap.Host("alpha")
	assert.Equal(t, models.ConnectionSucceeded, alpha.LastConnection)
	require.Len(t, alpha.RemoteProcesses, 1)
	assert.Equal(t, 8765, alpha.RemoteProcesses[0].RemotePort)
	require.NotNil(t, alpha.WorkingDirectory)
	assert.Equal(t, "/home/alice", *alpha.WorkingDirectory)

	assert.Equal(t, models.ConnectionFailed, snap.Host("beta").LastConnection)
	assert.Equal(t, models.ConnectionSucceeded, snap.Host("gamma").LastConnection)
	assert.Len(t, transport.calls, 3)
}

func TestScan_UnknownHost(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	app := testApp(t, "Host alpha\n", transport)
	_, err := app.ReloadHosts()
	require.NoError(t, err)

	require.Error(t, app.Scan(context.Background(), "nope"))
	assert.Empty(t, transport.calls)
}

func TestForwardAndCancel(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: map[string]reply{
		"alpha": {stdout: scanOutput(lsofListen)},
	}}
	app := testApp(t, "Host alpha\n", transport)
	_, err := app.ReloadHosts()
	require.NoError(t, err)
	require.NoError(t, app.Scan(context.Background(), "alpha"))

	require.NoError(t, app.Forward(context.Background(), "alpha", 8765))
	err = app.Forward(context.Background(), "alpha", 8765)
	assert.ErrorIs(t, err, tunnel.ErrAlreadyForwarding)

	process := func() *models.RemoteProcess {
		return app.Registry().Snapshot().Host("alpha").Process(8765)
	}
	require.Eventually(t, func() bool {
		return process().State == models.StateForwarded
	}, 2*time.Second, 5*time.Millisecond)
	require.NotNil(t, process().LocalPort)
	assert.Equal(t, 8765, *process().LocalPort)

	// The local port has nothing behind it, so enrichment falls back to
	// the runtime's icon.
	require.Eventually(t, func() bool {
		return process().FaviconURL == "https://www.python.org/favicon.ico"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, app.Cancel("alpha", 8765))
	require.Eventually(t, func() bool {
		return process().State == models.StateDead
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, process().Error)

	assert.ErrorIs(t, app.Cancel("alpha", 8765), tunnel.ErrUnknownTunnel)
	assert.Error(t, app.Forward(context.Background(), "ghost", 80))
}

func TestInferTunnelFailure(t *testing.T) {
	t.Parallel()

	lines := []string{
		"debug1: Connecting to dev",
		"bind [127.0.0.1]:8080: Address already in use",
		"",
	}
	assert.Equal(t, "bind [127.0.0.1]:8080: Address already in use", inferTunnelFailure(lines))
	assert.Equal(t, "last words", inferTunnelFailure([]string{"first", "last words", "  "}))
	assert.Empty(t, inferTunnelFailure(nil))
}

func TestTunnelReport_NoLogs(t *testing.T) {
	t.Parallel()

	app := testApp(t, "Host alpha\n", &fakeTransport{})
	reason, lines := app.TunnelReport("alpha", 1234)
	assert.Equal(t, "No logs captured for last tunnel", reason)
	assert.Nil(t, lines)
	_, err := app.Logs("alpha", 1234, 10)
	assert.Error(t, err)
	assert.Contains(t, fmt.Sprint(err), "no logs")
}

func TestTunnelSurvivesPortMissingFromScan(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{replies: map[string]reply{
		"alpha": {stdout: scanOutput(lsofListen)},
	}}
	app := testApp(t, "Host alpha\n", transport)
	_, err := app.ReloadHosts()
	require.NoError(t, err)
	require.NoError(t, app.Scan(context.Background(), "alpha"))

	process := func() *models.RemoteProcess {
		return app.Registry().Snapshot().Host("alpha").Process(8765)
	}
	forwarded := func() {
		require.NoError(t, app.Forward(context.Background(), "alpha", 8765))
		require.Eventually(t, func() bool {
			return process().State == models.StateForwarded
		}, 2*time.Second, 5*time.Millisecond)
	}
	forwarded()
	pid := *process().SSHAgentPid

	// The port drops out of one scan while ssh keeps running.
	transport.set("alpha", reply{stdout: scanOutput("")})
	require.NoError(t, app.Scan(context.Background(), "alpha"))
	assert.Equal(t, models.StateDead, process().State)
	assert.True(t, app.tunnels.Active("alpha", 8765))

	// It comes back: forwarding again links the running tunnel.
	transport.set("alpha", reply{stdout: scanOutput(lsofListen)})
	require.NoError(t, app.Scan(context.Background(), "alpha"))
	assert.Equal(t, models.StateUnforwarded, process().State)
	assert.Nil(t, process().SSHAgentPid)

	require.NoError(t, app.Forward(context.Background(), "alpha", 8765))
	assert.Equal(t, models.StateForwarded, process().State)
	require.NotNil(t, process().SSHAgentPid)
	assert.Equal(t, pid, *process().SSHAgentPid)
	require.NotNil(t, process().LocalPort)
	assert.Equal(t, 8765, *process().LocalPort)

	// Gone again, and cancelled while its entry shows dead.
	transport.set("alpha", reply{stdout: scanOutput("")})
	require.NoError(t, app.Scan(context.Background(), "alpha"))
	require.Equal(t, models.StateDead, process().State)
	require.NoError(t, app.Cancel("alpha", 8765))
	require.Eventually(t, func() bool {
		return !app.tunnels.Active("alpha", 8765)
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, app.Cancel("alpha", 8765), tunnel.ErrUnknownTunnel)

	// The local port was released, so a fresh forward gets it back.
	transport.set("alpha", reply{stdout: scanOutput(lsofListen)})
	require.NoError(t, app.Scan(context.Background(), "alpha"))
	forwarded()
	assert.NotEqual(t, pid, *process().SSHAgentPid)
	assert.Equal(t, 8765, *process().LocalPort)
}
