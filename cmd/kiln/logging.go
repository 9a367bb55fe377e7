package main

import (
	"log/slog"
	"os"

	"github.com/emberml/kiln/internal/logger"
)

// buildLogger constructs the process logger from the log-level and
// log-format flags. Log output goes to stderr so generated text on
// stdout stays clean.
func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}
