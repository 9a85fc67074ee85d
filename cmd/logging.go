package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger creates a text logger writing to stderr and to a rotated log file. If the log
// directory can't be created, only stderr is used. The returned func closes the log file.
func newLogger(logFile string, debug bool) (*slog.Logger, func()) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	output, closeOutput, err := buildOutput(logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turbogha: logging to stderr only: %v\n", err)
	}

	logger := slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closeOutput
}

func buildOutput(logFile string) (io.Writer, func(), error) {
	if logFile == "" {
		return os.Stderr, func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return os.Stderr, func() {}, err
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		LocalTime:  true,
	}
	return io.MultiWriter(os.Stderr, rotator), func() { _ = rotator.Close() }, nil
}
