package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportExec   = "exec"
	TransportNative = "native"

	InspectorNet  = "net"
	InspectorLsof = "lsof"
)

// Settings is the top-level rpt configuration, read from config.yaml.
type Settings struct {
	SSH    SSHSettings    `yaml:"ssh"`
	Tunnel TunnelSettings `yaml:"tunnel"`
	Ports  PortSettings   `yaml:"ports"`
	Enrich EnrichSettings `yaml:"enrich"`
	Scan   ScanSettings   `yaml:"scan"`
}

// SSHSettings controls how remote commands and tunnels reach a host.
type SSHSettings struct {
	Command        string        `yaml:"command,omitempty"`   // ssh binary plus fixed args, e.g. "ssh -F ~/.ssh/work"
	Transport      string        `yaml:"transport,omitempty"` // "exec" or "native"
	ConfigFile     string        `yaml:"configFile,omitempty"`
	KnownHosts     string        `yaml:"knownHosts,omitempty"`
	ConnectTimeout time.Duration `yaml:"connectTimeout,omitempty"`
	CommandTimeout time.Duration `yaml:"commandTimeout,omitempty"`
	Askpass        string        `yaml:"askpass,omitempty"` // helper used when no native prompt exists
}

// TunnelSettings tunes the establishment heuristic.
type TunnelSettings struct {
	PollAttempts   int           `yaml:"pollAttempts,omitempty"`
	PollInterval   time.Duration `yaml:"pollInterval,omitempty"`
	MinConnections int           `yaml:"minConnections,omitempty"`
	BindRetries    int           `yaml:"bindRetries,omitempty"`
	Inspector      string        `yaml:"inspector,omitempty"` // "net" or "lsof"
}

type PortSettings struct {
	ProbeTimeout time.Duration `yaml:"probeTimeout,omitempty"`
}

type EnrichSettings struct {
	Disabled bool          `yaml:"disabled,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

type ScanSettings struct {
	Concurrency int  `yaml:"concurrency,omitempty"`
	OnStartup   bool `yaml:"onStartup,omitempty"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		SSH: SSHSettings{
			Command:        "ssh",
			Transport:      TransportExec,
			ConnectTimeout: 5 * time.Second,
			CommandTimeout: 20 * time.Second,
		},
		Tunnel: TunnelSettings{
			PollAttempts:   10,
			PollInterval:   time.Second,
			MinConnections: 2,
			BindRetries:    5,
			Inspector:      InspectorNet,
		},
		Ports: PortSettings{
			ProbeTimeout: 500 * time.Millisecond,
		},
		Enrich: EnrichSettings{
			Timeout: 5 * time.Second,
		},
		Scan: ScanSettings{
			Concurrency: 4,
		},
	}
}

// Load layers the settings file at path over the defaults.
// A missing file is not an error.
func Load(path string) (Settings, error) {
	settings := Default()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	var overlay Settings
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return settings, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	merged := merge(settings, overlay)
	if err := merged.Validate(); err != nil {
		return settings, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return merged, nil
}

// merge overlays non-zero fields of overlay onto base.
func merge(base, overlay Settings) Settings {
	out := base

	if overlay.SSH.Command != "" {
		out.SSH.Command = overlay.SSH.Command
	}
	if overlay.SSH.Transport != "" {
		out.SSH.Transport = overlay.SSH.Transport
	}
	if overlay.SSH.ConfigFile != "" {
		out.SSH.ConfigFile = overlay.SSH.ConfigFile
	}
	if overlay.SSH.KnownHosts != "" {
		out.SSH.KnownHosts = overlay.SSH.KnownHosts
	}
	if overlay.SSH.ConnectTimeout > 0 {
		out.SSH.ConnectTimeout = overlay.SSH.ConnectTimeout
	}
	if overlay.SSH.CommandTimeout > 0 {
		out.SSH.CommandTimeout = overlay.SSH.CommandTimeout
	}
	if overlay.SSH.Askpass != "" {
		out.SSH.Askpass = overlay.SSH.Askpass
	}

	if overlay.Tunnel.PollAttempts > 0 {
		out.Tunnel.PollAttempts = overlay.Tunnel.PollAttempts
	}
	if overlay.Tunnel.PollInterval > 0 {
		out.Tunnel.PollInterval = overlay.Tunnel.PollInterval
	}
	if overlay.Tunnel.MinConnections > 0 {
		out.Tunnel.MinConnections = overlay.Tunnel.MinConnections
	}
	if overlay.Tunnel.BindRetries > 0 {
		out.Tunnel.BindRetries = overlay.Tunnel.BindRetries
	}
	if overlay.Tunnel.Inspector != "" {
		out.Tunnel.Inspector = overlay.Tunnel.Inspector
	}

	if overlay.Ports.ProbeTimeout > 0 {
		out.Ports.ProbeTimeout = overlay.Ports.ProbeTimeout
	}

	out.Enrich.Disabled = overlay.Enrich.Disabled
	if overlay.Enrich.Timeout > 0 {
		out.Enrich.Timeout = overlay.Enrich.Timeout
	}

	if overlay.Scan.Concurrency > 0 {
		out.Scan.Concurrency = overlay.Scan.Concurrency
	}
	out.Scan.OnStartup = overlay.Scan.OnStartup

	return out
}

// Validate rejects settings the rest of the program cannot act on.
func (s Settings) Validate() error {
	switch s.SSH.Transport {
	case TransportExec, TransportNative:
	default:
		return fmt.Errorf("unknown ssh transport %q", s.SSH.Transport)
	}
	switch s.Tunnel.Inspector {
	case InspectorNet, InspectorLsof:
	default:
		return fmt.Errorf("unknown tunnel inspector %q", s.Tunnel.Inspector)
	}
	return nil
}
