package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devports/rpt/pkg/logging"
	"github.com/devports/rpt/pkg/process"
	"github.com/devports/rpt/pkg/remote"
)

var (
	ErrAlreadyForwarding   = errors.New("port is already being forwarded")
	ErrUnknownTunnel       = errors.New("no tunnel with that pid")
	ErrPortBindConflict    = errors.New("local port already bound")
	ErrTunnelNeverObserved = errors.New("tunnel never observed")
	ErrClosed              = errors.New("tunnel manager closed")
)

// Child is a spawned ssh process.
type Child interface {
	Pid() int
	Done() <-chan struct{}
	Err() error
	StderrTail() []string
}

// Spawner starts and kills ssh children.
type Spawner interface {
	Spawn(argv, env []string, logName string) (Child, error)
	Kill(pid int) error
}

// Allocator hands out local ports; *ports.Allocator satisfies it.
type Allocator interface {
	Next(start int) (int, error)
	Release(port int)
}

// LogName is the process log name ssh output for host:remotePort is kept under.
func LogName(host string, remotePort int) string {
	return fmt.Sprintf("%s_%d", host, remotePort)
}

// ArgvFunc builds the ssh argv for host with extra options placed before it.
type ArgvFunc func(host string, extra ...string) []string

type processSpawner struct {
	m *process.Manager
}

// NewProcessSpawner spawns real subprocesses through m.
func NewProcessSpawner(m *process.Manager) Spawner {
	return processSpawner{m: m}
}

func (s processSpawner) Spawn(argv, env []string, logName string) (Child, error) {
	h, err := s.m.Spawn(argv, env, logName)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s processSpawner) Kill(pid int) error {
	return s.m.Kill(pid)
}

// Options configures a Manager.
type Options struct {
	Argv         ArgvFunc
	Env          []string
	Spawner      Spawner
	Allocator    Allocator
	Detector     Detector
	Sink         Sink
	PollAttempts int
	PollInterval time.Duration
	BindRetries  int
}

type tunnelKey struct {
	host string
	port int
}

type attempt struct {
	id         string
	host       string
	remotePort int

	// guarded by Manager.mu
	localPort   int
	pid         int
	cancelled   bool
	established bool
	done        bool
}

// Manager owns every ssh forward this process started.
type Manager struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	// sinkMu orders events handed to the sink.
	sinkMu sync.Mutex

	mu       sync.Mutex
	attempts map[tunnelKey]*attempt
	byPid    map[int]*attempt
	closed   bool
	wg       sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BindRetries < 0 {
		opts.BindRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		attempts: make(map[tunnelKey]*attempt),
		byPid:    make(map[int]*attempt),
	}
}

// Forward starts forwarding remotePort on host and returns the attempt id
// once the ssh child is running. Establishment is tracked in the background
// and reported through the sink.
func (m *Manager) Forward(ctx context.Context, host string, remotePort int) (string, error) {
	if err := remote.ValidateHost(host); err != nil {
		return "", err
	}
	if remotePort < 1 || remotePort > 65535 {
		return "", fmt.Errorf("invalid remote port %d", remotePort)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := tunnelKey{host: host, port: remotePort}
	a := &attempt{id: uuid.NewString(), host: host, remotePort: remotePort}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if _, ok := m.attempts[key]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s:%d", ErrAlreadyForwarding, host, remotePort)
	}
	m.attempts[key] = a
	m.mu.Unlock()

	child, err := m.spawn(a, remotePort)
	if err != nil {
		m.post(a, EventSpawnFailed, err)
		m.finish(a)
		return "", err
	}

	m.wg.Add(1)
	go m.run(a, child)
	return a.id, nil
}

// spawn allocates a local port at or above start and launches ssh on it.
func (m *Manager) spawn(a *attempt, start int) (Child, error) {
	local, err := m.opts.Allocator.Next(start)
	if err != nil {
		return nil, err
	}

	forward := fmt.Sprintf("%d:localhost:%d", local, a.remotePort)
	argv := m.opts.Argv(a.host, "-N", "-L", forward, "-o", "ExitOnForwardFailure=yes")
	child, err := m.opts.Spawner.Spawn(argv, m.opts.Env, LogName(a.host, a.remotePort))
	if err != nil {
		m.opts.Allocator.Release(local)
		return nil, fmt.Errorf("spawn ssh for %s:%d: %w", a.host, a.remotePort, err)
	}

	m.mu.Lock()
	a.localPort = local
	a.pid = child.Pid()
	m.byPid[a.pid] = a
	closed := m.closed
	if closed {
		a.cancelled = true
	}
	m.mu.Unlock()
	if closed {
		// Close ran while we were spawning and could not see this pid.
		m.opts.Spawner.Kill(a.pid)
	}

	logging.Info("tunnel", "spawned pid %d forwarding localhost:%d -> %s:%d", a.pid, local, a.host, a.remotePort)
	m.post(a, EventSpawned, nil)
	return child, nil
}

type pollOutcome int

const (
	outcomeEstablished pollOutcome = iota
	outcomeExited
	outcomeExhausted
)

func (m *Manager) run(a *attempt, child Child) {
	defer m.wg.Done()
	defer m.finish(a)

	retries := 0
	for {
		switch m.poll(child) {
		case outcomeEstablished:
			m.post(a, EventEstablished, nil)
			<-child.Done()
			m.post(a, EventExited, m.exitReason(a, child))
			return

		case outcomeExhausted:
			m.mu.Lock()
			pid := a.pid
			m.mu.Unlock()
			logging.Warn("tunnel", "%s:%d not observed after %d checks, killing pid %d",
				a.host, a.remotePort, m.opts.PollAttempts, pid)
			if err := m.opts.Spawner.Kill(pid); err != nil {
				logging.Error("tunnel", err, "kill pid %d", pid)
			}
			<-child.Done()
			m.post(a, EventNeverObserved, ErrTunnelNeverObserved)
			return

		case outcomeExited:
			m.mu.Lock()
			cancelled := a.cancelled
			local := a.localPort
			m.mu.Unlock()

			conflict := !cancelled && isBindConflict(child.StderrTail())
			if !conflict || retries >= m.opts.BindRetries {
				err := m.exitReason(a, child)
				if conflict {
					err = fmt.Errorf("%w: localhost:%d", ErrPortBindConflict, local)
				}
				m.post(a, EventExited, err)
				return
			}

			retries++
			logging.Info("tunnel", "localhost:%d taken before ssh could bind it, retrying from %d (%d/%d)",
				local, local+1, retries, m.opts.BindRetries)
			m.release(a)
			next, err := m.spawn(a, local+1)
			if err != nil {
				m.post(a, EventSpawnFailed, err)
				return
			}
			child = next
		}
	}
}

func (m *Manager) poll(child Child) pollOutcome {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for i := 0; i < m.opts.PollAttempts; i++ {
		if i > 0 {
			select {
			case <-child.Done():
				return outcomeExited
			case <-ticker.C:
			}
		}
		select {
		case <-child.Done():
			return outcomeExited
		default:
		}
		if m.opts.Detector.Established(m.ctx, child.Pid()) {
			return outcomeEstablished
		}
	}

	// One last look so a late exit is not reported as never observed.
	select {
	case <-child.Done():
		return outcomeExited
	default:
		return outcomeExhausted
	}
}

// Cancel kills the tunnel with the given ssh pid. The exit is reported
// through the sink like any other.
func (m *Manager) Cancel(pid int) error {
	m.mu.Lock()
	a, ok := m.byPid[pid]
	if ok {
		a.cancelled = true
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTunnel, pid)
	}
	logging.Info("tunnel", "cancelling %s:%d (pid %d)", a.host, a.remotePort, pid)
	return m.opts.Spawner.Kill(pid)
}

// Pid returns the ssh pid of the running attempt for host:remotePort.
func (m *Manager) Pid(host string, remotePort int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[tunnelKey{host: host, port: remotePort}]
	if !ok || a.done || a.pid == 0 {
		return 0, false
	}
	return a.pid, true
}

// Resync posts the current state of the running attempt for host:remotePort
// again, so a sink that lost track of it can link it back. It reports false
// when there is no running ssh child for that port.
func (m *Manager) Resync(host string, remotePort int) bool {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()

	m.mu.Lock()
	a, ok := m.attempts[tunnelKey{host: host, port: remotePort}]
	live := ok && !a.done && a.pid > 0
	established := live && a.established
	var pid int
	if live {
		pid = a.pid
	}
	m.mu.Unlock()
	if !live {
		return false
	}

	logging.Info("tunnel", "relinking %s:%d (pid %d)", host, remotePort, pid)
	m.emit(a, EventSpawned, nil)
	if established {
		m.emit(a, EventEstablished, nil)
	}
	return true
}

// Active reports whether an attempt for host:remotePort is live.
func (m *Manager) Active(host string, remotePort int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attempts[tunnelKey{host: host, port: remotePort}]
	return ok
}

// Close kills every live tunnel and waits for their exits to be reported.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pids := make([]int, 0, len(m.byPid))
	for pid, a := range m.byPid {
		a.cancelled = true
		pids = append(pids, pid)
	}
	m.mu.Unlock()

	m.cancel()
	for _, pid := range pids {
		if err := m.opts.Spawner.Kill(pid); err != nil {
			logging.Warn("tunnel", "kill pid %d on close: %v", pid, err)
		}
	}
	m.wg.Wait()
}

func (m *Manager) release(a *attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.pid > 0 {
		delete(m.byPid, a.pid)
	}
	if a.localPort > 0 {
		m.opts.Allocator.Release(a.localPort)
	}
	a.pid = 0
	a.localPort = 0
}

func (m *Manager) finish(a *attempt) {
	m.release(a)
	m.mu.Lock()
	delete(m.attempts, tunnelKey{host: a.host, port: a.remotePort})
	m.mu.Unlock()
}

func (m *Manager) post(a *attempt, kind EventKind, err error) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.emit(a, kind, err)
}

// emit hands one event to the sink; callers hold sinkMu.
func (m *Manager) emit(a *attempt, kind EventKind, err error) {
	m.mu.Lock()
	switch kind {
	case EventSpawned:
		a.established = false
	case EventEstablished:
		a.established = true
	case EventExited, EventNeverObserved, EventSpawnFailed:
		a.done = true
	}
	ev := Event{
		AttemptID:  a.id,
		Kind:       kind,
		Host:       a.host,
		RemotePort: a.remotePort,
		LocalPort:  a.localPort,
		Pid:        a.pid,
		Err:        err,
		At:         time.Now(),
	}
	m.mu.Unlock()
	logging.Debug("tunnel", "%s", ev)
	if m.opts.Sink != nil {
		m.opts.Sink.ApplyTunnelEvent(ev)
	}
}

var bindFailureMarkers = []string{
	"Address already in use",
	"cannot listen to port",
	"Could not request local forwarding",
}

func isBindConflict(stderr []string) bool {
	for _, line := range stderr {
		for _, marker := range bindFailureMarkers {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}

// exitReason is nil for a cancelled tunnel, otherwise why the child died.
func (m *Manager) exitReason(a *attempt, child Child) error {
	m.mu.Lock()
	cancelled := a.cancelled
	m.mu.Unlock()
	if cancelled {
		return nil
	}
	return exitError(child)
}

// exitError summarises why a child exited, preferring what ssh printed.
func exitError(child Child) error {
	err := child.Err()
	if err == nil {
		return nil
	}
	tail := child.StderrTail()
	for i := len(tail) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(tail[i]); line != "" {
			return fmt.Errorf("%v: %s", err, line)
		}
	}
	return err
}
