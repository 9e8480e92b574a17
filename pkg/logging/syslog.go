package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

const facilityLocal0 = 16

// SyslogClient sends UDP syslog messages (RFC 3164).
type SyslogClient struct {
	conn     net.Conn
	hostname string
	tag      string
	// MinSeverity filters messages; 0 sends everything.
	MinSeverity int
}

// NewSyslogClient dials addr ("host:port") over UDP.
func NewSyslogClient(addr, tag string) (*SyslogClient, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return &SyslogClient{conn: conn, hostname: hostname, tag: tag}, nil
}

// Send writes one message with the given severity.
func (c *SyslogClient) Send(severity int, msg string) error {
	line := fmt.Sprintf("<%d>%s %s %s: %s",
		facilityLocal0*8+severity, time.Now().Format(time.Stamp), c.hostname, c.tag, msg)
	_, err := c.conn.Write([]byte(line))
	return err
}

// ShouldSend reports whether severity passes the client's filter. Lower
// numbers are more severe.
func (c *SyslogClient) ShouldSend(severity int) bool {
	return c.MinSeverity == 0 || severity <= c.MinSeverity
}

// Close closes the underlying connection.
func (c *SyslogClient) Close() error {
	return c.conn.Close()
}

// ParseSeverity converts a severity name to its value, 0 if unknown.
func ParseSeverity(name string) int {
	switch strings.ToLower(name) {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	}
	return 0
}

func severityOf(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	}
	return SyslogDebug
}

// SyslogHandler is an slog.Handler that forwards records to syslog
// clients in addition to a base handler.
type SyslogHandler struct {
	base   slog.Handler
	shared *syslogClients
	attrs  []slog.Attr
	groups []string
}

type syslogClients struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

// NewSyslogHandler wraps base.
func NewSyslogHandler(base slog.Handler) *SyslogHandler {
	return &SyslogHandler{base: base, shared: &syslogClients{}}
}

// SetClients replaces the syslog clients, closing the old ones. Handlers
// derived through WithAttrs and WithGroup share the client set.
func (h *SyslogHandler) SetClients(clients []*SyslogClient) {
	h.shared.mu.Lock()
	old := h.shared.clients
	h.shared.clients = clients
	h.shared.mu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

func (h *SyslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *SyslogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.shared.mu.RLock()
	clients := h.shared.clients
	h.shared.mu.RUnlock()
	if len(clients) == 0 {
		return err
	}

	severity := severityOf(r.Level)
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, a.Value)
		return true
	})
	msg := b.String()
	for _, c := range clients {
		if c.ShouldSend(severity) {
			c.Send(severity, msg)
		}
	}
	return err
}

func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithAttrs(attrs),
		shared: h.shared,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *SyslogHandler) WithGroup(name string) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithGroup(name),
		shared: h.shared,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}
