// Package logger configures the zerolog logger shared by the client.
package logger

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu           sync.Mutex
	globalLogger *zerolog.Logger
)

// GetLogger returns the logger set up by New, or a console logger at info
// level on stderr if New has not run yet.
func GetLogger() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		log := consoleLogger(os.Stderr).Level(zerolog.InfoLevel)
		globalLogger = &log
	}
	return *globalLogger
}

// New constructs a zerolog logger based on level and format configuration.
// Output goes to stderr so it does not interleave with the chat transcript.
func New(level, format string) (zerolog.Logger, error) {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter builds a logger writing to out and makes it the one
// GetLogger returns from then on.
func NewWithWriter(out io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, err
	}

	var log zerolog.Logger
	switch strings.ToLower(format) {
	case "json":
		log = zerolog.New(out).With().Timestamp().Logger()
	case "console":
		log = consoleLogger(out)
	default:
		return zerolog.Logger{}, errors.New("unsupported log format")
	}
	log = log.Level(lvl)

	mu.Lock()
	globalLogger = &log
	mu.Unlock()
	return log, nil
}

func consoleLogger(out io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}
