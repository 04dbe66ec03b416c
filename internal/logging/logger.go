// Package logging holds the slog plumbing shared by the server core, the
// client core and the smtpkit binary: level parsing, scoped child loggers
// and wire taps for debug transaction logging.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level maps a textual level to a slog.Level. Unknown text means info.
func Level(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text logger on stderr at the given level.
func New(level string) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: Level(level)})
	return slog.New(h)
}

// connSeq numbers accepted connections across the process so their log
// lines can be correlated.
var connSeq atomic.Uint64

// NextConnID returns a process-unique connection number.
func NextConnID() uint64 {
	return connSeq.Add(1)
}

// Scope returns a child logger tagged with a scope name and the attributes
// that identify it. The library has three scopes: "conn" (conn_id,
// remote_addr), "server" (listener, hostname) and "send" (domain, host).
func Scope(logger *slog.Logger, name string, attrs ...slog.Attr) *slog.Logger {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("scope", name))
	for _, a := range attrs {
		args = append(args, a)
	}
	return logger.With(args...)
}

// tap emits one debug line per chunk of wire traffic.
type tap struct {
	dir string
	log *slog.Logger
}

func (t tap) observe(p []byte) {
	if len(p) > 0 {
		t.log.Debug("smtp wire",
			slog.String("dir", t.dir),
			slog.String("data", string(p)),
		)
	}
}

type tapReader struct {
	r io.Reader
	tap
}

func (t tapReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.observe(p[:n])
	return n, err
}

type tapWriter struct {
	w io.Writer
	tap
}

func (t tapWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	t.observe(p[:n])
	return n, err
}

// TapReader logs everything read through r at debug level.
func TapReader(r io.Reader, logger *slog.Logger) io.Reader {
	return tapReader{r: r, tap: tap{dir: "recv", log: logger}}
}

// TapWriter logs everything written through w at debug level.
func TapWriter(w io.Writer, logger *slog.Logger) io.Writer {
	return tapWriter{w: w, tap: tap{dir: "send", log: logger}}
}
