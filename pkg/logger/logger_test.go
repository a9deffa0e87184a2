package logger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T, f func()) string {
	r, w, _ := os.Pipe()
	stdout := os.Stdout
	os.Stdout = w
	defer func() {
		os.Stdout = stdout
	}()

	f()
	w.Close()
	var buf bytes.Buffer
	_, err := io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func TestNewLogger(t *testing.T) {
	t.Run("prod logs info and above", func(t *testing.T) {
		output := captureStdout(t, func() {
			log := NewLogger(Prod, false)
			log.Info("info message")
			log.Debug("debug message")
		})

		assert.Contains(t, output, `"level":"INFO"`)
		assert.Contains(t, output, `"msg":"info message"`)
		assert.NotContains(t, output, `"msg":"debug message"`)
		assert.NotContains(t, output, `"source":`)
	})

	t.Run("dev logs debug", func(t *testing.T) {
		output := captureStdout(t, func() {
			log := NewLogger(Dev, false)
			log.Debug("debug message")
		})
		assert.Contains(t, output, `"level":"DEBUG"`)
		assert.Contains(t, output, `"msg":"debug message"`)
	})

	t.Run("staging logs info and above", func(t *testing.T) {
		output := captureStdout(t, func() {
			log := NewLogger(Staging, false)
			log.Info("info message")
			log.Debug("debug message")
		})
		assert.Contains(t, output, `"level":"INFO"`)
		assert.NotContains(t, output, `"msg":"debug message"`)
	})

	t.Run("addSource includes caller location", func(t *testing.T) {
		output := captureStdout(t, func() {
			log := NewLogger(Dev, true)
			log.Info("message with source")
		})
		assert.Contains(t, output, `"source":`)
		assert.Contains(t, output, "logger_test.go")
	})
}

func TestNewTestLogger(t *testing.T) {
	b, log := NewTestLogger()
	require.NotNil(t, b)
	require.NotNil(t, log)

	log.Info("test message")
	logged := b.String()

	assert.Contains(t, logged, "level=INFO")
	assert.Contains(t, logged, "msg=\"test message\"")
}

func TestNewNopLogger(t *testing.T) {
	log := NewNopLogger()
	require.NotNil(t, log)
	assert.False(t, log.Enabled(context.Background(), slog.LevelError))
}

func TestErrAttr(t *testing.T) {
	testErr := errors.New("something went wrong")
	attr := ErrAttr(testErr)

	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, "something went wrong", attr.Value.String())
}
