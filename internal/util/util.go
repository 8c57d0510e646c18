package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zmt/internal/logging"
)

// State directory layout. Everything the tool persists between runs lives
// under the configured state_dir.

func ManifestPath(stateDir string) string {
	return filepath.Join(stateDir, "manifest.db")
}

func LockDir(stateDir string) string {
	return filepath.Join(stateDir, "locks")
}

func LogDir(stateDir string) string {
	return filepath.Join(stateDir, "logs")
}

func SpoolDir(stateDir string) string {
	return filepath.Join(stateDir, "spool")
}

// LockPath nests lock files by group and dataset so lock names never
// collide. Dataset paths contain slashes and become subdirectories.
func LockPath(stateDir, group, dataset string) string {
	return filepath.Join(LockDir(stateDir), group, filepath.FromSlash(dataset)+".lock")
}

func SetupDirectories(stateDir string) error {
	dirs := []string{
		stateDir,
		LockDir(stateDir),
		LogDir(stateDir),
		SpoolDir(stateDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// HumanBytes renders a byte count for tables and summaries.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// SetupLogging opens a per-run log file named after the verb and start time.
func SetupLogging(stateDir, verb string, debug bool) (*slog.Logger, *os.File, error) {
	logPath := filepath.Join(
		LogDir(stateDir),
		fmt.Sprintf("zmt_%s_%s.log", verb, time.Now().Format("20060102-150405")),
	)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, logFile, err := logging.NewLogger(logPath, debug)
	if err != nil {
		return nil, nil, err
	}

	return logger, logFile, nil
}
