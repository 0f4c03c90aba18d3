package state

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

const AppName = "filestore"

func AppDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

func ConfigPath() string {
	return filepath.Join(AppDir(), "config.toml")
}

func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// FilesDir is the default store root when the config does not name one.
func FilesDir() string {
	return filepath.Join(DataDir(), "files")
}

func LogFilePath() string {
	return filepath.Join(xdg.StateHome, AppName, AppName+".log")
}
