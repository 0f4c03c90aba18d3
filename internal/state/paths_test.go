package state

import (
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
)

func TestPathsFollowXDGDirectories(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, "state"))
	xdg.Reload()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"app dir", AppDir(), filepath.Join(home, "config", "filestore")},
		{"config path", ConfigPath(), filepath.Join(home, "config", "filestore", "config.toml")},
		{"data dir", DataDir(), filepath.Join(home, "data", "filestore")},
		{"files dir", FilesDir(), filepath.Join(home, "data", "filestore", "files")},
		{"log file", LogFilePath(), filepath.Join(home, "state", "filestore", "filestore.log")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("path mismatch: got %q want %q", tt.got, tt.want)
			}
		})
	}
}
