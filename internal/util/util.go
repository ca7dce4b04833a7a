package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cvb/internal/config"
	"cvb/internal/logging"
)

func LogPath(logDir string, t time.Time) string {
	return filepath.Join(logDir, t.Format("2006-01-02")+".log")
}

// SetupLogging builds the process logger from the log section. The returned
// close function is safe to call when no log file was opened.
func SetupLogging(cfg config.Log, console io.Writer, now time.Time) (*slog.Logger, func() error, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Dir == "" {
		return logging.NewConsoleLogger(console, level), func() error { return nil }, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, logFile, err := logging.NewLogger(LogPath(cfg.Dir, now), console, level)
	if err != nil {
		return nil, nil, err
	}

	return logger, logFile.Close, nil
}
