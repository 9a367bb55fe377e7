package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

type StreamMode string

const (
	StreamInstant    StreamMode = "instant"
	StreamTypewriter StreamMode = "typewriter"
	StreamQuiet      StreamMode = "quiet"
)

// StreamWriter renders generated fragments to the terminal. Instant writes
// each fragment as it arrives, typewriter writes rune by rune, quiet
// accumulates and prints everything on Flush.
type StreamWriter struct {
	mode   StreamMode
	output io.Writer
	buffer *bufio.Writer

	mu          sync.Mutex
	accumulator strings.Builder
}

func NewStreamWriter(mode StreamMode) *StreamWriter {
	return &StreamWriter{
		mode:   mode,
		output: os.Stdout,
		buffer: bufio.NewWriterSize(os.Stdout, 4096),
	}
}

// Write handles a single fragment from the engine.
func (w *StreamWriter) Write(fragment string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(fragment)
	switch w.mode {
	case StreamQuiet:
		// Nothing until Flush.
	case StreamTypewriter:
		for _, r := range fragment {
			fmt.Fprintf(w.buffer, "%c", r)
			_ = w.buffer.Flush()
		}
	default:
		_, _ = w.buffer.WriteString(fragment)
		_ = w.buffer.Flush()
	}
}

// Flush writes any withheld output and returns the accumulated text.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := w.accumulator.String()
	if w.mode == StreamQuiet {
		fmt.Fprint(w.output, result)
	}
	_ = w.buffer.Flush()
	return result
}

func parseStreamMode(s string) (StreamMode, error) {
	switch StreamMode(s) {
	case StreamInstant, StreamTypewriter, StreamQuiet:
		return StreamMode(s), nil
	case "":
		return StreamInstant, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q", s)
	}
}
