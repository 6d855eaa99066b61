// Package registry owns the in-memory host state. A single goroutine applies
// every mutation in arrival order; readers only ever see deep-copied
// snapshots.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/devports/rpt/pkg/enrich"
	"github.com/devports/rpt/pkg/logging"
	"github.com/devports/rpt/pkg/models"
	"github.com/devports/rpt/pkg/reconcile"
	"github.com/devports/rpt/pkg/scanner"
	"github.com/devports/rpt/pkg/tunnel"
)

var ErrClosed = errors.New("registry closed")

// mutation edits the host list in place and reports whether anything changed.
type mutation func(s *state) bool

type request struct {
	apply mutation
	done  chan models.Snapshot
}

type state struct {
	hosts   []*models.Host
	version uint64
}

func (s *state) host(name string) *models.Host {
	for _, h := range s.hosts {
		if h.Name == name {
			return h
		}
	}
	return nil
}

type subscriber struct {
	ch chan models.Snapshot
}

// Registry is the single writer of host state.
type Registry struct {
	queue   chan request
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// subs is only touched by the actor goroutine.
	subs   map[int]*subscriber
	nextID int
	now    func() time.Time
}

// New starts the registry goroutine.
func New() *Registry {
	r := &Registry{
		queue:   make(chan request, 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[int]*subscriber),
		now:     time.Now,
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.stopped)
	s := &state{}
	for {
		select {
		case <-r.quit:
			for id, sub := range r.subs {
				close(sub.ch)
				delete(r.subs, id)
			}
			return
		case req := <-r.queue:
			if req.apply(s) {
				s.version++
				r.publish(s)
			}
			req.done <- r.snapshot(s)
		}
	}
}

// do runs m on the registry goroutine and returns the state after it.
func (r *Registry) do(m mutation) (models.Snapshot, error) {
	req := request{apply: m, done: make(chan models.Snapshot, 1)}
	select {
	case r.queue <- req:
	case <-r.quit:
		return models.Snapshot{}, ErrClosed
	}
	select {
	case snap := <-req.done:
		return snap, nil
	case <-r.stopped:
		return models.Snapshot{}, ErrClosed
	}
}

func (r *Registry) snapshot(s *state) models.Snapshot {
	hosts := make([]*models.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		hosts = append(hosts, h.Clone())
	}
	return models.Snapshot{Version: s.version, At: r.now(), Hosts: hosts}
}

// publish offers the new state to every subscriber. A subscriber that has
// not taken the previous snapshot gets it replaced.
func (r *Registry) publish(s *state) {
	for _, sub := range r.subs {
		snap := r.snapshot(s)
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

// Snapshot returns a deep copy of the current state.
func (r *Registry) Snapshot() models.Snapshot {
	snap, _ := r.do(func(*state) bool { return false })
	return snap
}

// Subscribe returns a channel that receives the current snapshot at once and
// then the latest one after every change. The channel is closed by cancel
// or by Close.
func (r *Registry) Subscribe() (<-chan models.Snapshot, func()) {
	ch := make(chan models.Snapshot, 1)
	var id int
	_, err := r.do(func(s *state) bool {
		id = r.nextID
		r.nextID++
		r.subs[id] = &subscriber{ch: ch}
		ch <- r.snapshot(s)
		return false
	})
	if err != nil {
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.do(func(*state) bool {
				if sub, ok := r.subs[id]; ok {
					close(sub.ch)
					delete(r.subs, id)
				}
				return false
			})
		})
	}
	return ch, cancel
}

// ApplyHostList replaces the host set with names, keeping state for hosts
// that stay.
func (r *Registry) ApplyHostList(names []string) models.Snapshot {
	snap, _ := r.do(func(s *state) bool {
		s.hosts = reconcile.MergeHosts(s.hosts, names)
		return true
	})
	return snap
}

// ApplyScan records a successful scan of host.
func (r *Registry) ApplyScan(host string, result *scanner.ScanResult) {
	r.do(func(s *state) bool {
		h := s.host(host)
		if h == nil {
			logging.Warn("registry", "dropping scan for unknown host %s", host)
			return false
		}
		at := r.now()
		h.LastConnection = models.ConnectionSucceeded
		h.LastScan = &at
		h.LastError = ""
		h.Uptime = result.Uptime
		h.GPUInfo = result.GPUInfo
		h.WorkingDirectory = result.WorkingDirectory
		h.RemoteProcesses = reconcile.MergeProcesses(h.RemoteProcesses, result.Processes)
		return true
	})
}

// ApplyScanFailure records a failed scan. Known processes are left alone.
func (r *Registry) ApplyScanFailure(host string, err error) {
	r.do(func(s *state) bool {
		h := s.host(host)
		if h == nil {
			logging.Warn("registry", "dropping scan failure for unknown host %s", host)
			return false
		}
		at := r.now()
		h.LastConnection = models.ConnectionFailed
		h.LastScan = &at
		if err != nil {
			h.LastError = err.Error()
		}
		return true
	})
}

// ApplyTunnelEvent moves a process entry through its forwarding states.
// Events from a superseded ssh pid are ignored.
func (r *Registry) ApplyTunnelEvent(ev tunnel.Event) {
	r.do(func(s *state) bool {
		h := s.host(ev.Host)
		if h == nil {
			logging.Warn("registry", "dropping tunnel event for unknown host: %s", ev)
			return false
		}
		p := h.Process(ev.RemotePort)
		if p == nil {
			if ev.Kind != tunnel.EventSpawned && ev.Kind != tunnel.EventEstablished {
				return false
			}
			// A port the last scan did not report can still be forwarded.
			p = &models.RemoteProcess{RemotePort: ev.RemotePort, State: models.StateUnforwarded}
			h.RemoteProcesses = append(h.RemoteProcesses, p)
		}
		return applyTunnelEvent(p, ev)
	})
}

func ownedBy(p *models.RemoteProcess, pid int) bool {
	return p.SSHAgentPid != nil && *p.SSHAgentPid == pid
}

func applyTunnelEvent(p *models.RemoteProcess, ev tunnel.Event) bool {
	switch ev.Kind {
	case tunnel.EventSpawned:
		p.State = models.StateForwarding
		p.SSHAgentPid = models.IntPtr(ev.Pid)
		p.LocalPort = models.IntPtr(ev.LocalPort)
		p.Error = ""
		p.Title = ""
		p.FaviconURL = ""
		return true

	case tunnel.EventEstablished:
		if p.SSHAgentPid != nil && !ownedBy(p, ev.Pid) {
			return false
		}
		p.State = models.StateForwarded
		p.SSHAgentPid = models.IntPtr(ev.Pid)
		p.LocalPort = models.IntPtr(ev.LocalPort)
		return true

	case tunnel.EventNeverObserved:
		if !ownedBy(p, ev.Pid) {
			return false
		}
		p.State = models.StateFailed
		p.Error = errString(ev.Err)
		return true

	case tunnel.EventSpawnFailed:
		if p.IsLive() && ev.Pid != 0 && !ownedBy(p, ev.Pid) {
			return false
		}
		p.State = models.StateFailed
		p.SSHAgentPid = nil
		p.LocalPort = nil
		p.Error = errString(ev.Err)
		return true

	case tunnel.EventExited:
		if !ownedBy(p, ev.Pid) || !p.IsLive() {
			return false
		}
		p.State = models.StateDead
		p.Error = errString(ev.Err)
		return true
	}
	return false
}

// ApplyEnrichment stores page metadata for a forwarded port, provided the
// tunnel it was fetched through is still the current one.
func (r *Registry) ApplyEnrichment(host string, remotePort, localPort int, meta enrich.Metadata) {
	r.do(func(s *state) bool {
		p := s.host(host).Process(remotePort)
		if p == nil || !p.IsLive() || p.LocalPort == nil || *p.LocalPort != localPort {
			return false
		}
		if meta.Title == p.Title && meta.FaviconURL == p.FaviconURL {
			return false
		}
		p.Title = meta.Title
		p.FaviconURL = meta.FaviconURL
		return true
	})
}

// Close stops the registry goroutine and closes every subscription.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.quit)
		<-r.stopped
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
