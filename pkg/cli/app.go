package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/devports/rpt/pkg/config"
	"github.com/devports/rpt/pkg/enrich"
	"github.com/devports/rpt/pkg/logging"
	"github.com/devports/rpt/pkg/models"
	"github.com/devports/rpt/pkg/ports"
	"github.com/devports/rpt/pkg/process"
	"github.com/devports/rpt/pkg/registry"
	"github.com/devports/rpt/pkg/remote"
	"github.com/devports/rpt/pkg/scanner"
	"github.com/devports/rpt/pkg/sshconfig"
	"github.com/devports/rpt/pkg/tunnel"
)

var warnSkippedHostsOnce sync.Once

// App is the main application handler
type App struct {
	settings config.Settings
	paths    models.ConfigPaths

	registry *registry.Registry
	runner   *remote.Runner
	tunnels  *tunnel.Manager
	procs    *process.Manager
	prober   *ports.Prober
	fetcher  *enrich.Fetcher
	hosts    *liveConfig

	ctx     context.Context
	cancel  context.CancelFunc
	enrichG sync.WaitGroup
}

// deps are the parts of an App that touch the outside world.
type deps struct {
	transport remote.Transport
	argv      tunnel.ArgvFunc
	env       []string
	spawner   tunnel.Spawner
	detector  tunnel.Detector
	checker   ports.PortChecker
}

// NewApp loads settings from settingsPath (the default location when empty)
// and wires every component.
func NewApp(settingsPath string) (*App, error) {
	paths, err := models.GetConfigPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get config paths: %w", err)
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create config directories: %w", err)
	}
	if settingsPath == "" {
		settingsPath = paths.SettingsFile
	}

	settings, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	if settings.SSH.ConfigFile != "" {
		paths.SSHConfigFile = sshconfig.ExpandHome(settings.SSH.ConfigFile)
	}

	env := process.AskpassEnv(settings.SSH.Askpass)
	execTransport, err := remote.NewExecTransport(settings.SSH.Command, settings.SSH.ConnectTimeout, env)
	if err != nil {
		return nil, err
	}

	hosts := &liveConfig{}
	d := deps{
		transport: execTransport,
		argv:      execTransport.Argv,
		env:       env,
		detector: tunnel.ConnectionCountDetector{
			Inspector: process.NewInspector(settings.Tunnel.Inspector),
			Min:       settings.Tunnel.MinConnections,
		},
	}
	if settings.SSH.Transport == config.TransportNative {
		knownHosts := settings.SSH.KnownHosts
		if knownHosts == "" {
			knownHosts = "~/.ssh/known_hosts"
		}
		d.transport = remote.NewNativeTransport(hosts, sshconfig.ExpandHome(knownHosts), settings.SSH.ConnectTimeout)
	}

	app := newApp(settings, paths, hosts, d)
	skipped, err := app.ReloadHosts()
	if err != nil {
		logging.Warn("cli", "failed to read ssh config: %v", err)
	}
	warnSkippedHostsOnce.Do(func() {
		warnSkippedHosts(skipped, os.Stderr)
	})
	return app, nil
}

func newApp(settings config.Settings, paths models.ConfigPaths, hosts *liveConfig, d deps) *App {
	procs := process.NewManager(paths.LogsDir)
	prober := ports.NewProber(settings.Ports.ProbeTimeout)
	if d.spawner == nil {
		d.spawner = tunnel.NewProcessSpawner(procs)
	}
	if d.checker == nil {
		d.checker = prober
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		settings: settings,
		paths:    paths,
		registry: registry.New(),
		runner:   remote.NewRunner(d.transport, settings.SSH.CommandTimeout),
		procs:    procs,
		prober:   prober,
		fetcher:  enrich.NewFetcher(settings.Enrich.Timeout),
		hosts:    hosts,
		ctx:      ctx,
		cancel:   cancel,
	}
	app.tunnels = tunnel.NewManager(tunnel.Options{
		Argv:         d.argv,
		Env:          d.env,
		Spawner:      d.spawner,
		Allocator:    ports.NewAllocator(d.checker),
		Detector:     d.detector,
		Sink:         tunnel.SinkFunc(app.onTunnelEvent),
		PollAttempts: settings.Tunnel.PollAttempts,
		PollInterval: settings.Tunnel.PollInterval,
		BindRetries:  settings.Tunnel.BindRetries,
	})
	return app
}

// Paths returns the config and log locations in use.
func (a *App) Paths() models.ConfigPaths { return a.paths }

// Registry exposes the host registry for snapshot reads and subscriptions.
func (a *App) Registry() *registry.Registry { return a.registry }

// ReloadHosts re-reads the SSH config and applies the new host list. Host
// names that could not be passed to ssh safely are returned, not applied.
func (a *App) ReloadHosts() ([]string, error) {
	cfg, err := sshconfig.Load(a.paths.SSHConfigFile)
	if err != nil {
		return nil, err
	}
	a.hosts.set(cfg)

	var valid, skipped []string
	for _, name := range cfg.Hosts() {
		if err := remote.ValidateHost(name); err != nil {
			skipped = append(skipped, fmt.Sprintf("  - %s (%v)", name, err))
			continue
		}
		valid = append(valid, name)
	}
	snap := a.registry.ApplyHostList(valid)
	logging.Info("cli", "loaded %d hosts from %s", len(snap.Hosts), cfg.Path())
	return skipped, nil
}

// Scan runs the composite command on host and records the outcome.
func (a *App) Scan(ctx context.Context, host string) error {
	if a.registry.Snapshot().Host(host) == nil {
		return fmt.Errorf("unknown host %q", host)
	}
	res, err := a.runner.Run(ctx, host)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if remote.IsConnectionFailure(err) {
			logging.Warn("cli", "scan %s: %v", host, err)
		} else {
			logging.Error("cli", err, "scan %s", host)
		}
		a.registry.ApplyScanFailure(host, err)
		return err
	}
	a.registry.ApplyScan(host, scanner.Parse(res.Stdout))
	return nil
}

// ScanAll scans every known host with bounded concurrency. One host failing
// never stops the others; the failures are joined into the returned error.
func (a *App) ScanAll(ctx context.Context) error {
	return a.ScanHosts(ctx, a.hostNames())
}

// ScanHosts scans the named hosts the way ScanAll does.
func (a *App) ScanHosts(ctx context.Context, hosts []string) error {
	g, gctx := errgroup.WithContext(ctx)
	limit := a.settings.Scan.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	var mu sync.Mutex
	var errs []error
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			if err := a.Scan(gctx, host); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", host, err))
				mu.Unlock()
			}
			// Never fail the group; that would cancel the other scans.
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (a *App) hostNames() []string {
	snap := a.registry.Snapshot()
	names := make([]string, 0, len(snap.Hosts))
	for _, h := range snap.Hosts {
		names = append(names, h.Name)
	}
	return names
}

// Forward starts a tunnel for host:remotePort.
func (a *App) Forward(ctx context.Context, host string, remotePort int) error {
	if a.registry.Snapshot().Host(host) == nil {
		return fmt.Errorf("unknown host %q", host)
	}
	_, err := a.tunnels.Forward(ctx, host, remotePort)
	if errors.Is(err, tunnel.ErrAlreadyForwarding) {
		// A scan that briefly missed the port unlinks its entry from the
		// still running ssh child; link it back rather than refuse.
		if p := a.registry.Snapshot().Host(host).Process(remotePort); p == nil || !p.IsLive() {
			if a.tunnels.Resync(host, remotePort) {
				return nil
			}
		}
	}
	return err
}

// Cancel stops the tunnel for host:remotePort, whatever state its entry
// currently shows.
func (a *App) Cancel(host string, remotePort int) error {
	pid, ok := a.tunnels.Pid(host, remotePort)
	if !ok {
		return fmt.Errorf("%w: %s:%d", tunnel.ErrUnknownTunnel, host, remotePort)
	}
	return a.tunnels.Cancel(pid)
}

// Logs returns the last n lines ssh wrote for the latest tunnel to host:remotePort.
func (a *App) Logs(host string, remotePort, n int) ([]string, error) {
	return a.procs.Tail(tunnel.LogName(host, remotePort), n)
}

// TunnelReport explains why the latest tunnel for host:remotePort stopped,
// from its ssh log.
func (a *App) TunnelReport(host string, remotePort int) (string, []string) {
	lines, err := a.Logs(host, remotePort, 12)
	if err != nil {
		return "No logs captured for last tunnel", nil
	}
	reason := inferTunnelFailure(lines)
	if reason == "" {
		reason = "ssh exited without an explicit error line"
	}
	return reason, lines
}

// WatchConfig reloads hosts whenever the SSH config changes, until ctx ends.
func (a *App) WatchConfig(ctx context.Context) error {
	w, err := sshconfig.NewWatcher(a.paths.SSHConfigFile, func() {
		skipped, err := a.ReloadHosts()
		if err != nil {
			logging.Error("cli", err, "reload ssh config")
			return
		}
		for _, s := range skipped {
			logging.Warn("cli", "skipping host%s", strings.TrimPrefix(s, "  -"))
		}
	})
	if err != nil {
		return err
	}
	go w.Run(ctx)
	return nil
}

// Close stops every tunnel and background lookup, then the registry.
func (a *App) Close() {
	a.tunnels.Close()
	a.cancel()
	a.enrichG.Wait()
	a.registry.Close()
}

// onTunnelEvent records ev and starts a page lookup once a forward is up.
func (a *App) onTunnelEvent(ev tunnel.Event) {
	logging.Debug("cli", "tunnel event: %s", ev)
	a.registry.ApplyTunnelEvent(ev)
	if ev.Kind != tunnel.EventEstablished || a.settings.Enrich.Disabled {
		return
	}

	command := ""
	if p := a.registry.Snapshot().Host(ev.Host).Process(ev.RemotePort); p != nil {
		command = p.Command
	}
	a.enrichG.Add(1)
	go func() {
		defer a.enrichG.Done()
		meta := a.fetcher.Lookup(a.ctx, enrich.LocalURL(ev.LocalPort), command)
		if a.ctx.Err() != nil {
			return
		}
		a.registry.ApplyEnrichment(ev.Host, ev.RemotePort, ev.LocalPort, meta)
	}()
}

// liveConfig is the SSH config currently in effect; the native transport
// resolves aliases through it so reloads apply without rewiring.
type liveConfig struct {
	mu  sync.RWMutex
	cfg *sshconfig.Config
}

func (l *liveConfig) set(cfg *sshconfig.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *liveConfig) Lookup(alias string) sshconfig.HostSpec {
	l.mu.RLock()
	cfg := l.cfg
	l.mu.RUnlock()
	if cfg == nil {
		return sshconfig.HostSpec{Alias: alias, HostName: alias, Port: "22"}
	}
	return cfg.Lookup(alias)
}

func inferTunnelFailure(lines []string) string {
	keywords := []string{
		"permission denied",
		"host key verification failed",
		"could not resolve hostname",
		"connection refused",
		"connection timed out",
		"no route to host",
		"address already in use",
		"cannot listen to port",
		"could not request local forwarding",
		"broken pipe",
		"error:",
		"fatal",
	}

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return line
			}
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}

	return ""
}

func warnSkippedHosts(skipped []string, out io.Writer) {
	if len(skipped) == 0 || out == nil {
		return
	}
	sorted := append([]string(nil), skipped...)
	sort.Strings(sorted)
	fmt.Fprintln(out, "Warning: some SSH config hosts were skipped.")
	fmt.Fprintln(out, "Their names cannot be passed to ssh safely. Rename them to plain aliases.")
	for _, w := range sorted {
		fmt.Fprintln(out, w)
	}
}
