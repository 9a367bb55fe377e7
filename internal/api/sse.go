package api

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEWriter writes server-sent events, flushing after each one so fragments
// reach the client as they are produced.
type SSEWriter struct {
	w       io.Writer
	flusher func()
}

func NewSSEWriter(c *echo.Context) (*SSEWriter, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &SSEWriter{w: res, flusher: flusher.Flush}, nil
}

// Send marshals payload and writes one data event.
func (s *SSEWriter) Send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher()
	return nil
}

// Done writes the terminating event.
func (s *SSEWriter) Done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher()
	return nil
}
