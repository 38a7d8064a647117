package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger carrying the service name on every record.
// It is also installed as the process default, so output from the stdlib
// log package ends up on the same handler.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	log := slog.New(h).With("service", service)
	slog.SetDefault(log)
	return log
}
