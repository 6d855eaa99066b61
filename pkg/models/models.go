package models

import "time"

// ConnectionResult records the outcome of the last remote scan of a host
type ConnectionResult string

const (
	ConnectionNever     ConnectionResult = "never"
	ConnectionFailed    ConnectionResult = "failed"
	ConnectionSucceeded ConnectionResult = "succeeded"
)

// ProcessState is the forwarding state of a remote listening port
type ProcessState string

const (
	StateUnforwarded ProcessState = "unforwarded"
	// StateForwarding means a tunnel subprocess is running but has not been observed live yet.
	StateForwarding ProcessState = "forwarding"
	StateForwarded  ProcessState = "forwarded"
	// StateFailed is terminal for a forwarding attempt that never came up.
	StateFailed ProcessState = "failed"
	StateDead   ProcessState = "dead"
)

// RemoteProcess is one listening port discovered on a host, or a known forward of it.
// Command, User and PID are only set when the discovery method exposed ownership.
type RemoteProcess struct {
	RemotePort  int          `json:"remote_port"`
	Command     string       `json:"command,omitempty"`
	User        string       `json:"user,omitempty"`
	PID         int          `json:"pid,omitempty"`
	Title       string       `json:"title,omitempty"`
	FaviconURL  string       `json:"favicon_url,omitempty"`
	State       ProcessState `json:"state"`
	SSHAgentPid *int         `json:"ssh_agent_pid,omitempty"`
	LocalPort   *int         `json:"local_port,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Clone returns a deep copy of the process entry
func (p *RemoteProcess) Clone() *RemoteProcess {
	if p == nil {
		return nil
	}
	c := *p
	if p.SSHAgentPid != nil {
		pid := *p.SSHAgentPid
		c.SSHAgentPid = &pid
	}
	if p.LocalPort != nil {
		port := *p.LocalPort
		c.LocalPort = &port
	}
	return &c
}

// IsLive reports whether a tunnel subprocess is expected to be running for the entry.
func (p *RemoteProcess) IsLive() bool {
	return p != nil && (p.State == StateForwarding || p.State == StateForwarded)
}

// Host is one configured SSH destination
type Host struct {
	Name             string           `json:"name"`
	LastConnection   ConnectionResult `json:"last_connection"`
	Uptime           *string          `json:"uptime,omitempty"`
	GPUInfo          *string          `json:"gpu_info,omitempty"`
	WorkingDirectory *string          `json:"working_directory,omitempty"`
	RemoteProcesses  []*RemoteProcess `json:"remote_processes"`
	LastScan         *time.Time       `json:"last_scan,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
}

// NewHost creates a host that has never been scanned
func NewHost(name string) *Host {
	return &Host{
		Name:            name,
		LastConnection:  ConnectionNever,
		RemoteProcesses: []*RemoteProcess{},
	}
}

// Process returns the entry for a remote port, or nil
func (h *Host) Process(remotePort int) *RemoteProcess {
	if h == nil {
		return nil
	}
	for _, p := range h.RemoteProcesses {
		if p != nil && p.RemotePort == remotePort {
			return p
		}
	}
	return nil
}

// Clone returns a deep copy of the host and all of its processes
func (h *Host) Clone() *Host {
	if h == nil {
		return nil
	}
	c := *h
	c.Uptime = cloneString(h.Uptime)
	c.GPUInfo = cloneString(h.GPUInfo)
	c.WorkingDirectory = cloneString(h.WorkingDirectory)
	if h.LastScan != nil {
		t := *h.LastScan
		c.LastScan = &t
	}
	c.RemoteProcesses = make([]*RemoteProcess, 0, len(h.RemoteProcesses))
	for _, p := range h.RemoteProcesses {
		if p != nil {
			c.RemoteProcesses = append(c.RemoteProcesses, p.Clone())
		}
	}
	return &c
}

// Snapshot is an immutable copy of the whole host state handed to consumers
type Snapshot struct {
	Version uint64    `json:"version"`
	At      time.Time `json:"at"`
	Hosts   []*Host   `json:"hosts"`
}

// Host returns the named host from the snapshot, or nil
func (s Snapshot) Host(name string) *Host {
	for _, h := range s.Hosts {
		if h.Name == name {
			return h
		}
	}
	return nil
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v
func StringPtr(v string) *string { return &v }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
