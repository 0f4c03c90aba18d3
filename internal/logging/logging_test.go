package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name      string
		verbosity int
		wantLevel zerolog.Level
	}{
		{"default warn level", 0, zerolog.WarnLevel},
		{"info level", 1, zerolog.InfoLevel},
		{"debug level", 2, zerolog.DebugLevel},
		{"trace level", 3, zerolog.TraceLevel},
		{"high verbosity defaults to trace", 5, zerolog.TraceLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			t.Setenv("XDG_STATE_HOME", tempDir)
			xdg.Reload()

			SetupLogger(tt.verbosity)

			if zerolog.GlobalLevel() != tt.wantLevel {
				t.Errorf("SetupLogger(%d) set level to %v, want %v",
					tt.verbosity, zerolog.GlobalLevel(), tt.wantLevel)
			}

			logPath := filepath.Join(tempDir, "filestore", "filestore.log")
			if _, err := os.Stat(logPath); os.IsNotExist(err) {
				t.Errorf("Log file was not created at %s", logPath)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.WarnLevel) })

	if err := SetLevel("error"); err != nil {
		t.Fatalf("SetLevel(error) failed: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("global level = %v, want error", zerolog.GlobalLevel())
	}

	err := SetLevel("loud")
	if err == nil || !strings.Contains(err.Error(), "parse log level") {
		t.Errorf("SetLevel(loud) error = %v, want parse error", err)
	}
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("invalid level changed global level to %v", zerolog.GlobalLevel())
	}
}

func TestGetLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.WarnLevel) })

	logger := GetLogger("storage.local")
	logger.Info().Msg("hello")

	if !strings.Contains(buf.String(), `"component":"storage.local"`) {
		t.Errorf("log output %q missing component field", buf.String())
	}
}

func TestSetupLoggerClosesPreviousLogFile(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	xdg.Reload()

	SetupLogger(0)
	logFileMu.Lock()
	first := logFile
	logFileMu.Unlock()
	if first == nil {
		t.Fatal("expected a log file to be opened")
	}

	SetupLogger(0)
	if _, err := first.Stat(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("previous log file still open: Stat error = %v", err)
	}

	logFileMu.Lock()
	current := logFile
	logFileMu.Unlock()
	if current == nil || current == first {
		t.Fatalf("expected a new log file handle, got %v", current)
	}
	if _, err := current.Stat(); err != nil {
		t.Errorf("current log file not usable: %v", err)
	}
}
