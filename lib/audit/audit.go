// Package audit implements the audit log writer (§6): one JSON object
// per line, rotated at a size threshold, plus an optional
// HMAC-SHA256-signed webhook Notifier for external consumers.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Event is one audit record, keys per §6: "ts, event, user, ip, dst,
// kind, ok, error, bytes_up, bytes_down, duration_ms".
type Event struct {
	Timestamp  time.Time     `json:"ts"`
	Event      string        `json:"event"`
	User       string        `json:"user,omitempty"`
	IP         string        `json:"ip,omitempty"`
	Dst        string        `json:"dst,omitempty"`
	Kind       string        `json:"kind,omitempty"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	BytesUp    int64         `json:"bytes_up,omitempty"`
	BytesDown  int64         `json:"bytes_down,omitempty"`
	DurationMS int64         `json:"duration_ms,omitempty"`
}

// Event names used across the core.
const (
	EventAuthSuccess  = "auth_success"
	EventAuthFailure  = "auth_failure"
	EventProxyConnect = "proxy_connect"
	EventSSRFBlocked  = "ssrf_blocked"
	EventACLDenied    = "acl_denied"
	EventQuotaDenied  = "quota_denied"
	EventBanned       = "banned"
	EventKicked       = "kicked"
	EventReload       = "reload"
)

// Notifier is implemented by the webhook delivery sink; Emit never
// blocks the caller for long and should not itself panic on delivery
// failure. A nil Notifier disables webhook delivery entirely.
type Notifier interface {
	Notify(Event)
}

// Writer appends audit events as JSON lines to a file, rotating when
// the file exceeds maxBytes, and fans each event out to an optional
// Notifier. Safe for concurrent use; events are serialized per writer
// but not globally ordered across writers (§5).
type Writer struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	written  int64

	notifier Notifier
}

// Config configures a Writer.
type Config struct {
	Path     string
	MaxBytes int64
	Notifier Notifier
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("audit: Path is required")
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 100 * 1024 * 1024
	}
	return nil
}

// New opens (or creates) the audit log file at cfg.Path.
func New(cfg Config) (*Writer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, trace.Wrap(err, "opening audit log %q", cfg.Path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, trace.Wrap(err)
	}
	return &Writer{path: cfg.Path, maxBytes: cfg.MaxBytes, file: f, written: info.Size(), notifier: cfg.Notifier}, nil
}

// Emit appends ev as one JSON line, rotating the file first if it
// would exceed the configured size threshold, then fans out to the
// configured Notifier if any.
func (w *Writer) Emit(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return trace.Wrap(err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	if w.written+int64(len(line)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			w.mu.Unlock()
			return trace.Wrap(err)
		}
	}
	n, err := w.file.Write(line)
	w.written += int64(n)
	w.mu.Unlock()
	if err != nil {
		return trace.Wrap(err)
	}

	if w.notifier != nil {
		w.notifier.Notify(ev)
	}
	return nil
}

// rotateLocked renames the current file aside with a timestamp suffix
// and opens a fresh one. Caller holds w.mu.
func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return trace.Wrap(err)
	}
	rotated := w.path + "." + time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(w.path, rotated); err != nil {
		return trace.Wrap(err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return trace.Wrap(err)
	}
	w.file = f
	w.written = 0
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return trace.Wrap(w.file.Close())
}
