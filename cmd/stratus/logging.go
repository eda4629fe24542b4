package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// newRuntimeLogger builds the process logger. An empty log-file sends
// output to the state directory when toFile is set and to stderr otherwise;
// "-" always means stderr.
func newRuntimeLogger(cfg appConfig, toFile bool) (*logrus.Logger, func(), error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log-level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.LogFormat) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("invalid log-format %q (want text or json)", cfg.LogFormat)
	}

	path := cfg.LogFile
	if path == "" && toFile {
		path = defaultLogPath()
	}
	out, cleanup := openLogOutput(path)
	logger.SetOutput(out)
	return logger, cleanup, nil
}

func defaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "stratus", "stratus.log")
}

func openLogOutput(path string) (io.Writer, func()) {
	if path == "" || path == "-" {
		return os.Stderr, func() {}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return os.Stderr, func() {}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stderr, func() {}
	}
	return f, func() {
		_ = f.Close()
	}
}
