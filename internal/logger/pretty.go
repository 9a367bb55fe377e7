package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const ansiReset = "\033[0m"

// Level tags are pre-colored and padded to keep messages aligned.
var levelTags = map[slog.Level]string{
	slog.LevelDebug: "\033[90mDEBUG\033[0m",
	slog.LevelInfo:  "\033[34mINFO \033[0m",
	slog.LevelWarn:  "\033[33mWARN \033[0m",
	slog.LevelError: "\033[31mERROR\033[0m",
}

// PrettyHandler writes one colored line per record:
//
//	15:04:05.000 INFO  message key=value component.key=value
type PrettyHandler struct {
	w     io.Writer
	level slog.Level

	mu     *sync.Mutex
	prefix string
	attrs  []slog.Attr
}

func NewPrettyHandler(w io.Writer, level slog.Level) *PrettyHandler {
	return &PrettyHandler{w: w, level: level, mu: &sync.Mutex{}}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	buf = append(buf, "\033[90m"...)
	buf = r.Time.AppendFormat(buf, "15:04:05.000")
	buf = append(buf, ansiReset...)
	buf = append(buf, ' ')

	tag, ok := levelTags[r.Level]
	if !ok {
		tag = r.Level.String()
	}
	buf = append(buf, tag...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = appendAttr(buf, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, a, h.prefix)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs qualifies the keys with the current group prefix up front, so
// later WithGroup calls do not retroactively rename them.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix += name + "."
	return c
}

func (h *PrettyHandler) clone() *PrettyHandler {
	return &PrettyHandler{
		w:      h.w,
		level:  h.level,
		mu:     h.mu,
		prefix: h.prefix,
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
}

func appendAttr(buf []byte, a slog.Attr, prefix string) []byte {
	buf = append(buf, " \033[36m"...)
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')

	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if needsQuoting(s) {
			buf = strconv.AppendQuote(buf, s)
		} else {
			buf = append(buf, s...)
		}
	case slog.KindDuration:
		buf = append(buf, v.Duration().String()...)
	case slog.KindTime:
		buf = v.Time().AppendFormat(buf, time.RFC3339)
	default:
		buf = fmt.Append(buf, v.Any())
	}
	return append(buf, ansiReset...)
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r <= ' ' || r == '"' || r == '=' {
			return true
		}
	}
	return false
}
