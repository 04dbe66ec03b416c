// Package smtpclient implements a sending SMTP endpoint: it resolves
// delivery hosts via MX lookup, opens SMTP sessions, walks the client-side
// state machine and reports per-recipient outcomes.
package smtpclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mons/smtpkit/internal/logging"
)

// ReplyError is returned when the server answers with an unexpected status
// code. Error() is the full reply line, which is what per-recipient
// outcomes carry.
type ReplyError struct {
	Code int
	Line string
}

func (e *ReplyError) Error() string {
	return e.Line
}

// Options configures a Client.
type Options struct {
	// Timeout is the per-operation inactivity limit, refreshed on every
	// read and write. Zero disables it.
	Timeout time.Duration

	// Debug enables wire-level transaction logging.
	Debug bool

	// Logger is the session logger. Nil means slog.Default.
	Logger *slog.Logger
}

// Client drives the client side of one SMTP session:
// greeting, HELO, MAIL, RCPT*, DATA, body, ".", QUIT.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	logger  *slog.Logger
	timeout time.Duration
}

// NewClient wraps an already-open connection.
func NewClient(conn net.Conn, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var r io.Reader = conn
	var w io.Writer = conn
	if opts.Debug {
		r = logging.TapReader(conn, logger)
		w = logging.TapWriter(conn, logger)
	}

	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(r),
		writer:  bufio.NewWriter(w),
		logger:  logger,
		timeout: opts.Timeout,
	}
}

// Dial connects to addr and wraps the connection. The greeting is not
// consumed; call Greeting next.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts), nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) refreshDeadline() error {
	if c.timeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return nil
}

// writeLine writes s followed by CRLF and flushes.
func (c *Client) writeLine(s string) error {
	if err := c.refreshDeadline(); err != nil {
		return err
	}
	if _, err := c.writer.WriteString(s); err != nil {
		return err
	}
	if _, err := c.writer.WriteString("\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// readReply reads one full reply, accumulating "NNN-" continuation lines
// until the terminal "NNN " line. The returned text joins all lines; the
// status code is that of the terminal line. A code different from expect
// yields a ReplyError carrying the full reply.
func (c *Client) readReply(expect int) (string, error) {
	var lines []string
	for {
		if err := c.refreshDeadline(); err != nil {
			return "", err
		}
		raw, err := c.reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line := strings.TrimRight(raw, "\r\n")
		if len(line) < 3 {
			return "", fmt.Errorf("malformed reply line %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return "", fmt.Errorf("malformed reply line %q", line)
		}
		lines = append(lines, line)
		if len(line) > 3 && line[3] == '-' {
			continue
		}
		reply := strings.Join(lines, "\n")
		if code != expect {
			return "", &ReplyError{Code: code, Line: reply}
		}
		return reply, nil
	}
}

// Cmd writes a command line and reads the reply, expecting the given
// status code.
func (c *Client) Cmd(expect int, format string, args ...any) (string, error) {
	if err := c.writeLine(fmt.Sprintf(format, args...)); err != nil {
		return "", err
	}
	return c.readReply(expect)
}

// Greeting consumes the server greeting, single or multi-line.
func (c *Client) Greeting() (string, error) {
	return c.readReply(220)
}

// Hello sends HELO with the given identity.
func (c *Client) Hello(helo string) (string, error) {
	return c.Cmd(250, "HELO %s", helo)
}

// Mail sends MAIL FROM for the sender mailbox.
func (c *Client) Mail(from string) (string, error) {
	return c.Cmd(250, "MAIL FROM:<%s>", from)
}

// Rcpt sends RCPT TO for one recipient mailbox.
func (c *Client) Rcpt(to string) (string, error) {
	return c.Cmd(250, "RCPT TO:<%s>", to)
}

// Data sends DATA and expects the 354 go-ahead.
func (c *Client) Data() (string, error) {
	return c.Cmd(354, "DATA")
}

// WriteBody writes the raw message bytes. The caller is responsible for
// dot-stuffing; no transformation is applied. A trailing CRLF is added
// only when a non-empty body does not already end with one; an empty body
// writes nothing.
func (c *Client) WriteBody(data []byte) error {
	if err := c.refreshDeadline(); err != nil {
		return err
	}
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\r\n")) {
		if _, err := c.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// EndData terminates the body with the dot line. The 250 reply is the
// per-session success reply.
func (c *Client) EndData() (string, error) {
	return c.Cmd(250, ".")
}

// Quit ends the session on a best-effort basis; the reply is not required
// for success.
func (c *Client) Quit() {
	if err := c.writeLine("QUIT"); err != nil {
		return
	}
	_, _ = c.readReply(221)
}

// sessionOutcome carries the result of one complete dialogue.
type sessionOutcome struct {
	okReply  string            // Final 250 reply, set on success.
	accepted []string          // Recipients the server accepted.
	rcptErr  map[string]string // Per-recipient RCPT rejections.
	err      error             // Session-level failure; applies to every recipient not in rcptErr.
}

// transact runs the complete dialogue for one session. Recipient failures
// are recorded without aborting as long as at least one RCPT succeeds; if
// all fail the session aborts with the first RCPT error and DATA is
// skipped. Any other unexpected reply or I/O error aborts the session.
func (c *Client) transact(helo, from string, rcpts []string, data []byte) sessionOutcome {
	out := sessionOutcome{rcptErr: make(map[string]string)}

	abort := func(err error) sessionOutcome {
		out.err = err
		c.Quit()
		return out
	}

	if _, err := c.Greeting(); err != nil {
		out.err = err
		return out
	}
	if _, err := c.Hello(helo); err != nil {
		return abort(err)
	}
	if _, err := c.Mail(from); err != nil {
		return abort(err)
	}

	var firstRcptErr error
	for _, rcpt := range rcpts {
		if _, err := c.Rcpt(rcpt); err != nil {
			var re *ReplyError
			if errors.As(err, &re) {
				out.rcptErr[rcpt] = re.Line
				if firstRcptErr == nil {
					firstRcptErr = re
				}
				continue
			}
			return abort(err)
		}
		out.accepted = append(out.accepted, rcpt)
	}
	if len(out.accepted) == 0 {
		return abort(firstRcptErr)
	}

	if _, err := c.Data(); err != nil {
		return abort(err)
	}
	if err := c.WriteBody(data); err != nil {
		return abort(err)
	}
	reply, err := c.EndData()
	if err != nil {
		return abort(err)
	}
	out.okReply = reply
	c.logger.Debug("message sent",
		slog.Int("recipients", len(out.accepted)),
		slog.String("reply", reply),
	)
	c.Quit()
	return out
}
