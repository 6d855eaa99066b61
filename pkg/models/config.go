package models

import (
	"os"
	"path/filepath"
)

// ConfigPaths provides paths for config and data directories
type ConfigPaths struct {
	ConfigDir     string
	SettingsFile  string
	LogsDir       string
	SSHConfigFile string
}

// GetConfigPaths returns paths for rpt configuration
func GetConfigPaths() (ConfigPaths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return ConfigPaths{}, err
	}

	configDir := filepath.Join(home, ".config", "rpt")
	return ConfigPaths{
		ConfigDir:     configDir,
		SettingsFile:  filepath.Join(configDir, "config.yaml"),
		LogsDir:       filepath.Join(configDir, "logs"),
		SSHConfigFile: filepath.Join(home, ".ssh", "config"),
	}, nil
}

// EnsureDirs creates necessary configuration directories
func (cp ConfigPaths) EnsureDirs() error {
	dirs := []string{cp.ConfigDir, cp.LogsDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
