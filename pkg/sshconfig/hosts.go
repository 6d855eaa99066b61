package sshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// HostSpec is the resolved connection data for one alias.
type HostSpec struct {
	Alias         string
	HostName      string
	User          string
	Port          string
	IdentityFiles []string
}

// Config is a parsed ssh client configuration file.
type Config struct {
	path string
	cfg  *ssh_config.Config
}

var defaultIdentities = []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"}

// Load parses the ssh config at path. A missing file yields an empty config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{path: path, cfg: &ssh_config.Config{}}, nil
		}
		return nil, fmt.Errorf("failed to open ssh config file: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config file: %w", err)
	}
	return &Config{path: path, cfg: cfg}, nil
}

// Path is the file this config was read from.
func (c *Config) Path() string {
	return c.path
}

// Hosts lists concrete aliases in file order. Wildcard and negated patterns
// are settings blocks, not destinations, and are left out.
func (c *Config) Hosts() []string {
	seen := make(map[string]bool)
	var names []string
	for _, host := range c.cfg.Hosts {
		for _, pattern := range host.Patterns {
			name := pattern.String()
			if !isConcrete(name) || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func isConcrete(pattern string) bool {
	return pattern != "" && !strings.ContainsAny(pattern, "*?!")
}

// Lookup resolves an alias the way the ssh client would, filling defaults.
func (c *Config) Lookup(alias string) HostSpec {
	spec := HostSpec{Alias: alias}

	spec.HostName, _ = c.cfg.Get(alias, "HostName")
	if spec.HostName == "" {
		spec.HostName = alias
	}
	spec.User, _ = c.cfg.Get(alias, "User")
	if spec.User == "" {
		spec.User = os.Getenv("USER")
	}
	spec.Port, _ = c.cfg.Get(alias, "Port")
	if spec.Port == "" {
		spec.Port = ssh_config.Default("Port")
	}

	files, _ := c.cfg.GetAll(alias, "IdentityFile")
	if len(files) == 0 {
		files = defaultIdentities
	}
	for _, f := range files {
		spec.IdentityFiles = append(spec.IdentityFiles, ExpandHome(f))
	}
	return spec
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
