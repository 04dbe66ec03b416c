package smtpserver

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mons/smtpkit/internal/logging"
)

// ErrMessageTooLarge is returned by ReadData when the accumulated message
// body exceeds the configured maximum size.
var ErrMessageTooLarge = errors.New("message size exceeds maximum")

// Conn wraps a net.Conn with CRLF line framing, inactivity deadlines and
// close-once semantics. One Conn is driven by exactly one goroutine for its
// lifetime.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	reason string
}

// connConfig holds configuration for a new Conn.
type connConfig struct {
	Timeout time.Duration
	Debug   bool
	Logger  *slog.Logger
}

// newConn creates a Conn wrapper around an accepted socket. When debug is
// set, all traffic in both directions is logged at debug level.
func newConn(conn net.Conn, cfg connConfig) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connLogger := logging.Scope(logger, "conn",
		slog.Uint64("conn_id", logging.NextConnID()),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	c := &Conn{
		conn:    conn,
		logger:  connLogger,
		timeout: cfg.Timeout,
	}

	var r io.Reader = conn
	var w io.Writer = conn
	if cfg.Debug {
		r = logging.TapReader(conn, connLogger)
		w = logging.TapWriter(conn, connLogger)
	}
	c.reader = bufio.NewReader(r)
	c.writer = bufio.NewWriter(w)

	return c
}

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// refreshDeadline pushes the inactivity deadline forward. Called before
// every read and write so the timer restarts on each unit of progress.
func (c *Conn) refreshDeadline() error {
	if c.timeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return nil
}

// ReadCommand reads one CRLF-terminated command line with leading and
// trailing whitespace trimmed.
func (c *Conn) ReadCommand() (string, error) {
	if err := c.refreshDeadline(); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ReadData accumulates message body lines until a line containing only ".".
// Dot-unstuffing is applied: a line beginning with ".." loses one leading
// dot. CRLF between lines is preserved and the terminating dot-line is not
// included. When max is positive and the body grows beyond it,
// ErrMessageTooLarge is returned.
func (c *Conn) ReadData(max int64) ([]byte, error) {
	var buf bytes.Buffer
	for {
		if err := c.refreshDeadline(); err != nil {
			return nil, err
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if strings.TrimRight(line, "\r\n") == "." {
			return buf.Bytes(), nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		buf.WriteString(line)
		if max > 0 && int64(buf.Len()) > max {
			return nil, ErrMessageTooLarge
		}
	}
}

// Reply writes text followed by CRLF. Text that already contains CRLF is
// written verbatim.
func (c *Conn) Reply(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if err := c.refreshDeadline(); err != nil {
		return err
	}
	if _, err := c.writer.WriteString(text); err != nil {
		return err
	}
	if !strings.Contains(text, "\r\n") {
		if _, err := c.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// Ok replies "250 <msg>", defaulting to "250 OK".
func (c *Conn) Ok(msg string) error {
	if msg == "" {
		msg = "OK"
	}
	return c.Reply("250 " + msg)
}

// Close flushes pending writes on a best-effort basis and closes the
// socket. Double-close is a no-op.
func (c *Conn) Close() error {
	return c.CloseWithReason("")
}

// CloseWithReason closes the connection and records the reason later
// reported through the disconnect event.
func (c *Conn) CloseWithReason(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reason = reason
	c.mu.Unlock()

	_ = c.writer.Flush()
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseReason returns the reason recorded when the connection was closed.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// noteReadError records a disconnect reason derived from a read error, for
// connections closed by the peer or by deadline expiry.
func (c *Conn) noteReadError(err error) {
	reason := ""
	switch {
	case errors.Is(err, io.EOF):
		// Clean disconnect by the peer.
	case isTimeout(err):
		reason = "timeout"
	default:
		reason = err.Error()
	}
	_ = c.CloseWithReason(reason)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
