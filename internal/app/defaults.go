package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - WL_CONFIG_PATH: config file location (default: ~/.config/wl.toml)
//   - WL_HOME: base directory for worklog data (default: ~/.local/share/wl)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking WL_CONFIG_PATH env var first,
// then falling back to the default ~/.config/wl.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("WL_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "wl.toml"), nil
}

// getBaseDir returns the base directory for worklog data, checking WL_HOME env var
// first, then falling back to the XDG default ~/.local/share/wl.
func getBaseDir() (string, error) {
	if path := os.Getenv("WL_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "wl"), nil
}
