package paths

import (
	"os"
	"path/filepath"
	"testing"
)

// setupTestHome points HOME at a temp directory and clears the XDG variables.
func setupTestHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	Reset()
	t.Cleanup(Reset)
	return tmpDir
}

func TestFreshInstallNoXDG(t *testing.T) {
	home := setupTestHome(t)
	expected := filepath.Join(home, ".jobboss2-relay")

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if configDir != expected {
		t.Errorf("ConfigDir = %q, want %q", configDir, expected)
	}

	stateDir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir: %v", err)
	}
	if stateDir != expected {
		t.Errorf("StateDir = %q, want %q", stateDir, expected)
	}

	if !IsFlatLayout() {
		t.Error("IsFlatLayout should be true for fresh install without XDG")
	}
}

func TestFlatDirWinsOverXDG(t *testing.T) {
	home := setupTestHome(t)
	flatDir := filepath.Join(home, ".jobboss2-relay")
	if err := os.MkdirAll(flatDir, 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "xdg-config"))

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if configDir != flatDir {
		t.Errorf("ConfigDir = %q, want %q", configDir, flatDir)
	}
}

func TestXDGLayout(t *testing.T) {
	home := setupTestHome(t)
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, "state"))

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	if want := filepath.Join(home, ".config", "jobboss2-relay"); configDir != want {
		t.Errorf("ConfigDir = %q, want %q", configDir, want)
	}

	logsDir, err := LogsDir()
	if err != nil {
		t.Fatalf("LogsDir: %v", err)
	}
	if want := filepath.Join(home, "state", "jobboss2-relay", "logs"); logsDir != want {
		t.Errorf("LogsDir = %q, want %q", logsDir, want)
	}

	if IsFlatLayout() {
		t.Error("IsFlatLayout should be false with XDG vars set")
	}
}

func TestConfigFilePath(t *testing.T) {
	home := setupTestHome(t)

	path, err := ConfigFilePath()
	if err != nil {
		t.Fatalf("ConfigFilePath: %v", err)
	}
	if want := filepath.Join(home, ".jobboss2-relay", "config.yaml"); path != want {
		t.Errorf("ConfigFilePath = %q, want %q", path, want)
	}
}
