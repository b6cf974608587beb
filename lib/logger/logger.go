package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON logger on stdout that tags every record with service.
func New(service string, level slog.Leveler) *slog.Logger {
	return NewWithWriter(os.Stdout, service, level)
}

func NewWithWriter(w io.Writer, service string, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("service", service))
}
