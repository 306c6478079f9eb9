// Package logging sets up the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Setup builds a slog.Logger writing to stderr and, if logFile is
// non-empty, additionally to that file. Returns the logger and a closer to
// release the file handle.
func Setup(level, logFile string) (*slog.Logger, func() error, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	writers := []io.Writer{os.Stderr}
	closer := func() error { return nil }

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, f)
		closer = f.Close
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}
