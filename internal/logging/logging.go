package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"filestore/internal/state"
)

// logFile is the handle opened by the last SetupLogger call.
var (
	logFileMu sync.Mutex
	logFile   *os.File
)

// SetupLogger configures the global logger for the given verbosity. Output
// goes to stderr and is appended to the log file under the XDG state dir.
func SetupLogger(verbosity int) {
	zerolog.SetGlobalLevel(levelForVerbosity(verbosity))

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	}

	writers := []io.Writer{consoleWriter}
	logPath := state.LogFilePath()
	logFileHandle, err := openLogFile(logPath)
	if err == nil {
		writers = append(writers, logFileHandle)
	}

	log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	replaceLogFile(logFileHandle)
	if err != nil {
		log.Warn().Err(err).Str("path", logPath).Msg("Failed to create log file, logging to console only")
	}

	if verbosity >= 2 {
		log.Logger = log.Logger.With().Caller().Logger()
	}
	log.Debug().Int("verbosity", verbosity).Str("logFile", logPath).Msg("Logger initialized")
}

// replaceLogFile records f as the current log file and closes the previous
// one, which no logger writes to anymore.
func replaceLogFile(f *os.File) {
	logFileMu.Lock()
	previous := logFile
	logFile = f
	logFileMu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
}

func levelForVerbosity(verbosity int) zerolog.Level {
	switch {
	case verbosity <= 0:
		return zerolog.WarnLevel
	case verbosity == 1:
		return zerolog.InfoLevel
	case verbosity == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// SetLevel overrides the global level by name ("debug", "warn", ...).
func SetLevel(name string) error {
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// GetLogger returns a logger tagged with the given component name.
func GetLogger(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}
