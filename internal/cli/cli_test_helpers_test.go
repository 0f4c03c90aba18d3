package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adrg/xdg"

	"filestore/internal/state"
)

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	original := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	runErr := fn()
	_ = w.Close()
	os.Stdout = original

	out, readErr := io.ReadAll(r)
	_ = r.Close()
	if readErr != nil {
		t.Fatalf("read stdout: %v", readErr)
	}
	return string(out), runErr
}

func setCLIHome(t *testing.T) {
	t.Helper()

	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(homeDir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(homeDir, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(homeDir, "state"))
	xdg.Reload()
}

// writeCLIConfig writes a config rooted at a fresh temp dir to the default
// config path and returns that root.
func writeCLIConfig(t *testing.T) string {
	t.Helper()

	root := filepath.Join(t.TempDir(), "store")
	configPath := state.ConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	text := fmt.Sprintf("[storage]\nfiles_path = %q\n\n[log]\nlevel = \"error\"\n", root)
	if err := os.WriteFile(configPath, []byte(text), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return root
}

// replaceCLIConfigRoot points the default config at root, swapping the file
// in with a rename.
func replaceCLIConfigRoot(t *testing.T, root string) {
	t.Helper()

	configPath := state.ConfigPath()
	text := fmt.Sprintf("[storage]\nfiles_path = %q\n\n[log]\nlevel = \"error\"\n", root)
	tmp := configPath + ".new"
	if err := os.WriteFile(tmp, []byte(text), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		t.Fatalf("replace config: %v", err)
	}
}

// runCommand executes the command tree with stdin and returns what it wrote
// to stdout.
func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	return runCommandContext(context.Background(), stdin, args...)
}

func runCommandContext(ctx context.Context, stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCommand(strings.NewReader(stdin), &out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}
