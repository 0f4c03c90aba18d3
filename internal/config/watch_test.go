package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replaceConfig swaps the file in with a rename, the way editors save, so the
// watcher never reads a half written file.
func replaceConfig(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".new"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func writeRootConfig(t *testing.T, path, root string) {
	t.Helper()
	replaceConfig(t, path, "[storage]\nfiles_path = \""+root+"\"\n")
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	setConfigHome(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	first := filepath.Join(t.TempDir(), "first")
	second := filepath.Join(t.TempDir(), "second")
	writeRootConfig(t, path, first)

	w, err := Watch(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	assert.Equal(t, first, w.RootPath())

	writeRootConfig(t, path, second)
	assert.Eventually(t, func() bool {
		return w.RootPath() == second
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsPreviousConfigOnInvalidReload(t *testing.T) {
	setConfigHome(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	root := filepath.Join(t.TempDir(), "root")
	writeRootConfig(t, path, root)

	w, err := Watch(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	replaceConfig(t, path, "[storage]\nfiles_path = \"relative\"\n")
	// Give the watcher time to see the event; the root must not change.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, root, w.RootPath())
}

func TestWatchCreatesMissingDirectory(t *testing.T) {
	home := setConfigHome(t)
	path := filepath.Join(t.TempDir(), "missing", "config.toml")

	w, err := Watch(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	assert.DirExists(t, filepath.Dir(path))
	assert.Equal(t, filepath.Join(home, "data", "filestore", "files"), w.RootPath())

	root := filepath.Join(t.TempDir(), "root")
	writeRootConfig(t, path, root)
	assert.Eventually(t, func() bool {
		return w.RootPath() == root
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	setConfigHome(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeRootConfig(t, path, filepath.Join(t.TempDir(), "root"))

	w, err := Watch(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
