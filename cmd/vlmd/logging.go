package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"vlmd/internal/config"
)

// newLogger builds the process logger from the logging section. Text
// format uses the console writer; a file path tees JSON lines to disk.
func newLogger(lc config.LoggingConfig) (zerolog.Logger, func(), error) {
	return newLoggerTo(os.Stderr, lc)
}

func newLoggerTo(out io.Writer, lc config.LoggingConfig) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(lc.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(lc.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	closeFn := func() {}
	if lc.FilePath != "" {
		f, err := os.OpenFile(lc.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closeFn = func() { _ = f.Close() }
	}
	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, closeFn, nil
}
