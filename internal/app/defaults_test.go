package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("DSYNC_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("DSYNC_HOME", "/custom/dsync")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/dsync" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/dsync")
		}
		if defaults["log_dir"] != "/custom/dsync/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/dsync/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("DSYNC_CONFIG_PATH", "")
		t.Setenv("DSYNC_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "dsync.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "dsync")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
	})
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("DSYNC_TEST_FROM_ENV_FILE", "")
	t.Setenv("DSYNC_TEST_PRESET", "kept")
	os.Unsetenv("DSYNC_TEST_FROM_ENV_FILE")

	dir := t.TempDir()
	content := "DSYNC_TEST_FROM_ENV_FILE=loaded\nDSYNC_TEST_PRESET=overwritten\n"
	if err := os.WriteFile(filepath.Join(dir, EnvFile), []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := LoadEnv(filepath.Join(dir, "missing"), dir); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if got := os.Getenv("DSYNC_TEST_FROM_ENV_FILE"); got != "loaded" {
		t.Errorf("DSYNC_TEST_FROM_ENV_FILE = %q, want loaded", got)
	}
	if got := os.Getenv("DSYNC_TEST_PRESET"); got != "kept" {
		t.Errorf("DSYNC_TEST_PRESET = %q, want kept", got)
	}
}
