package main

import (
	"fmt"
	"runtime"

	"github.com/urfave/cli/v3"

	kilnrt "github.com/emberml/kiln/internal/runtime"
	"github.com/emberml/kiln/internal/runtime/toyrt"
)

var (
	modelPath  string
	backend    string
	threads    int64
	maxContext int64
	logLevel   string
	logFormat  string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to model weights file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "model runtime backend (toy)",
			Value:       "toy",
			Destination: &backend,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"j"},
			Usage:       "decode threads (default: all CPUs)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"max-ctx", "ctx", "c"},
			Usage:       "max context length",
			Value:       2048,
			Destination: &maxContext,
		},
	}
}

func commonLogFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, text, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func resolveBackend(name string) (kilnrt.Runtime, error) {
	switch name {
	case "", "toy":
		return toyrt.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func resolveThreads(n int64) int {
	if n > 0 {
		return int(n)
	}
	return runtime.NumCPU()
}
