// Package logx is a thin slog.Handler wrapper shared by the core packages
// and cmd/memtap, following the same shape as memtap's emulator-repo
// ancestor: a mutex-guarded handler that always writes to an optional file
// and mirrors to stderr when verbose.
package logx

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Handler formats "<time> <level>: <message> <attrs...>" to an optional
// file, mirroring to stderr when verbose is true or the record is at warn
// level or above.
type Handler struct {
	out     io.Writer
	inner   slog.Handler
	mu      *sync.Mutex
	verbose bool
}

// NewHandler builds a Handler writing to file (which may be nil) with the
// given slog options. verbose controls whether records below warn level
// are also mirrored to stderr.
func NewHandler(file io.Writer, opts *slog.HandlerOptions, verbose bool) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &Handler{
		out:     file,
		inner:   slog.NewTextHandler(file, opts),
		mu:      &sync.Mutex{},
		verbose: verbose,
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{out: h.out, inner: h.inner.WithAttrs(attrs), mu: h.mu, verbose: h.verbose}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{out: h.out, inner: h.inner.WithGroup(name), mu: h.mu, verbose: h.verbose}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	parts := []string{r.Time.Format("2006/01/02 15:04:05"), r.Level.String() + ":", r.Message}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, a.String())
		return true
	})
	line := []byte(strings.Join(parts, " ") + "\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil {
		_, err = h.out.Write(line)
	}
	if h.verbose || r.Level >= slog.LevelWarn {
		if _, werr := os.Stderr.Write(line); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
