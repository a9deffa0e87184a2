package logger

import (
	"bytes"
	"log/slog"
	"os"
)

// Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Environment int

const (
	_ Environment = iota
	Prod
	Dev
	Staging
)

// NewLogger creates a JSON slog.Logger writing to stdout. The log level is
// derived from the environment: Debug for Dev, Info otherwise.
func NewLogger(env Environment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case Prod, Staging:
		level = slog.LevelInfo
	case Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a debug-level text logger together with the buffer
// it writes to, so tests can assert on emitted records.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	buf := &bytes.Buffer{}
	h := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return buf, slog.New(h)
}

// NewNopLogger returns a logger that discards every record.
func NewNopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ErrAttr wraps an error into a slog attribute with the "error" key.
func ErrAttr(err error) slog.Attr {
	return slog.Any("error", err)
}
