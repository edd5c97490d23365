package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFile is loaded from the working directory and the base directory, if
// present. Variables already set in the environment win.
const EnvFile = ".env"

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - DSYNC_CONFIG_PATH: config file location (default: ~/.config/dsync.toml)
//   - DSYNC_HOME: base directory for dsync data (default: ~/.local/share/dsync)
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

// LoadEnv loads EnvFile from each of dirs that has one. It must run before
// GetDefaults so the files can set DSYNC_HOME and friends.
func LoadEnv(dirs ...string) error {
	for _, dir := range dirs {
		path := filepath.Join(dir, EnvFile)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

// getConfigPath returns the config file path, checking DSYNC_CONFIG_PATH env var first,
// then falling back to the default ~/.config/dsync.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("DSYNC_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "dsync.toml"), nil
}

// getBaseDir returns the base directory for dsync data, checking DSYNC_HOME env var first,
// then falling back to the XDG default ~/.local/share/dsync.
func getBaseDir() (string, error) {
	if path := os.Getenv("DSYNC_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "dsync"), nil
}
