package tunnel

import (
	"fmt"
	"time"
)

// EventKind is one step in a forwarding attempt's life.
type EventKind string

const (
	// EventSpawned: the ssh child is running and polling has started.
	EventSpawned EventKind = "spawned"
	// EventEstablished: the detector saw the forward come up.
	EventEstablished EventKind = "established"
	// EventNeverObserved: polling gave up; the child was killed.
	EventNeverObserved EventKind = "never_observed"
	// EventExited: the child exited, by cancel or on its own.
	EventExited EventKind = "exited"
	// EventSpawnFailed: no child could be started.
	EventSpawnFailed EventKind = "spawn_failed"
)

// Event reports a forwarding attempt's progress. Events for one attempt are
// posted in order from a single goroutine.
type Event struct {
	AttemptID  string
	Kind       EventKind
	Host       string
	RemotePort int
	LocalPort  int
	Pid        int
	Err        error
	At         time.Time
}

func (e Event) String() string {
	s := fmt.Sprintf("%s %s:%d", e.Kind, e.Host, e.RemotePort)
	if e.LocalPort > 0 {
		s += fmt.Sprintf(" local=%d", e.LocalPort)
	}
	if e.Pid > 0 {
		s += fmt.Sprintf(" pid=%d", e.Pid)
	}
	if e.Err != nil {
		s += fmt.Sprintf(" err=%v", e.Err)
	}
	return s
}

// Sink receives tunnel events; the host registry is the production sink.
type Sink interface {
	ApplyTunnelEvent(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) ApplyTunnelEvent(e Event) { f(e) }
