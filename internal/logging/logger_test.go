package logging

import (
	"bytes"
	"log"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogLogger_Printf_WritesToStdLog(t *testing.T) {
	origOutput := log.Writer()
	origFlags := log.Flags()
	defer func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	}()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)

	NewLogLogger().Printf("hello %s", "world")
	require.Contains(t, buf.String(), "hello world")
}

func TestSlogLogger_Printf_WritesFormattedMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "text", slog.LevelInfo)

	logger.Printf("session %d disconnected", 7)
	require.Contains(t, buf.String(), "session 7 disconnected")
}

func TestSlogLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "json", slog.LevelInfo)

	logger.Printf("hello")
	require.True(t, strings.HasPrefix(strings.TrimSpace(buf.String()), "{"))
}

func TestSlogLogger_With_CarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "text", slog.LevelInfo)

	scoped := logger.With("session_id", uint64(42))
	scoped.Printf("connected")

	require.Contains(t, buf.String(), "session_id=42")
}
