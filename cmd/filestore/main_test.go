package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockContentionExitsWithLockHeldCode(t *testing.T) {
	homeDir := t.TempDir()
	filesRoot := filepath.Join(t.TempDir(), "store")

	configPath := filepath.Join(t.TempDir(), "config.toml")
	configText := fmt.Sprintf(`[storage]
files_path = "%s"

[log]
level = "error"
`, filesRoot)
	if err := os.WriteFile(configPath, []byte(configText), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	env := append(os.Environ(),
		"HOME="+homeDir,
		"XDG_CONFIG_HOME="+homeDir,
		"XDG_STATE_HOME="+filepath.Join(homeDir, "state"),
		"GOMODCACHE="+goEnv(t, "GOMODCACHE"),
		"GOCACHE="+goEnv(t, "GOCACHE"),
	)

	first := exec.Command("go", "run", ".", "--config", configPath, "lock", "deploy")
	first.Env = env
	out, err := first.CombinedOutput()
	if err != nil {
		t.Fatalf("first lock failed: %v\noutput:\n%s", err, string(out))
	}
	if _, err := os.Stat(filepath.Join(filesRoot, "locks", "deploy")); err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}

	second := exec.Command("go", "run", ".", "--config", configPath, "lock", "deploy")
	second.Env = env
	out, err = second.CombinedOutput()
	if err == nil {
		t.Fatalf("expected second lock to fail, output:\n%s", string(out))
	}
	if !strings.Contains(string(out), "lock already held") {
		t.Fatalf("expected lock held error, output:\n%s", string(out))
	}
	// go run reports the child's status as its own exit code 1, so only the
	// message is checked here.
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got %v", err)
	}
}

func goEnv(t *testing.T, key string) string {
	t.Helper()

	cmd := exec.Command("go", "env", key)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go env %s failed: %v\noutput:\n%s", key, err, string(out))
	}
	value := strings.TrimSpace(string(out))
	if value == "" {
		t.Fatalf("go env %s returned empty value", key)
	}
	return value
}
