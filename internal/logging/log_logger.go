package logging

import "log"

// LogLogger backs Logger with the standard library's log package. It is
// the default when no structured logging is configured.
type LogLogger struct{}

func NewLogLogger() Logger {
	return LogLogger{}
}

func (LogLogger) Printf(format string, v ...any) {
	log.Printf(format, v...)
}
