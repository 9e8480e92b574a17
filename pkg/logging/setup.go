package logging

import (
	"io"
	"log/slog"
)

// Setup installs the process-wide slog logger: text to w, Debug level when
// debug is set, wrapped in a SyslogHandler whose clients are configured
// later. The returned handler is used to update them.
func Setup(w io.Writer, debug bool) *SyslogHandler {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := NewSyslogHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(slog.New(h))
	return h
}
