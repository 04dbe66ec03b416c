// Package smtpserver implements a receiving SMTP endpoint: it accepts TCP
// connections, drives each through the SMTP command/response state machine,
// assembles complete messages and hands them to an application-supplied
// sink through a named-event hook surface.
package smtpserver

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mons/smtpkit/internal/logging"
	"github.com/mons/smtpkit/metrics"
)

// Config holds settings for a Server.
type Config struct {
	// Addr is the listen address, e.g. ":25" or "127.0.0.1:2525". An empty
	// host binds all interfaces.
	Addr string

	// Hostname is the server FQDN used in the 220 greeting. Empty falls
	// back to "localhost".
	Hostname string

	// MaxMessageSize caps the accepted DATA body in bytes. Overflow closes
	// the connection with 552. Zero means the default of 25 MB.
	MaxMessageSize int64

	// MaxRecipients caps RCPT per transaction. Zero means the default of
	// 100; negative means unlimited.
	MaxRecipients int

	// Timeout is the per-connection inactivity limit. Expiry closes the
	// connection with a "timeout" disconnect reason. Zero disables it.
	Timeout time.Duration

	// Debug enables wire-level transaction logging and appends handler
	// failure details to 500 replies.
	Debug bool

	// Logger is the base logger. Nil means slog.Default.
	Logger *slog.Logger

	// Collector receives metrics. Nil means no metrics.
	Collector metrics.Collector
}

// Server accepts SMTP connections and runs one session per connection. It
// is created idle, moves to listening on Start and back on Stop; Start may
// be called again after Stop.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	collector metrics.Collector
	events    *Events
	defaults  map[string]verbFunc

	mu    sync.Mutex
	ln    net.Listener
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// New creates an idle Server with default verb handlers installed.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 25 * 1024 * 1024
	}
	if cfg.MaxRecipients == 0 {
		cfg.MaxRecipients = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	s := &Server{
		cfg:       cfg,
		logger: logging.Scope(logger, "server",
			slog.String("listener", cfg.Addr),
			slog.String("hostname", cfg.Hostname),
		),
		collector: collector,
		events:    NewEvents(),
		defaults:  defaultVerbs(),
		conns:     make(map[*Conn]struct{}),
	}

	// Every verb dispatches through the event table so applications can
	// override acceptance policy per command.
	for verb, h := range s.defaults {
		h := h
		s.events.Handle(verb, func(c *Conn, args ...any) error {
			return h(args[0].(*Session), args[1].(string))
		})
	}

	s.events.SetException(func(err error, event string, c *Conn) {
		s.logger.Error("handler failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		if c == nil {
			return
		}
		reply := "500 INTERNAL ERROR"
		if s.cfg.Debug {
			reply += " " + err.Error()
		}
		_ = c.Reply(reply)
	})

	return s
}

// Events exposes the server's event table.
func (s *Server) Events() *Events {
	return s.events
}

// HandleClient registers a hook invoked after the greeting is written for
// each new connection.
func (s *Server) HandleClient(f func(c *Conn)) {
	s.events.Handle("client", func(c *Conn, args ...any) error {
		f(c)
		return nil
	})
}

// HandleDisconnect registers a hook invoked exactly once when a connection
// closes, after it has been removed from the live set.
func (s *Server) HandleDisconnect(f func(c *Conn, reason string)) {
	s.events.Handle("disconnect", func(c *Conn, args ...any) error {
		f(c, args[0].(string))
		return nil
	})
}

// HandleMail registers the delivery sink. It runs before the 250 reply is
// queued; an error or panic reaches the peer as 500 instead of a false
// acknowledgment. The envelope is owned by the sink after the call.
func (s *Server) HandleMail(f func(env *Envelope) error) {
	s.events.Handle("mail", func(c *Conn, args ...any) error {
		return f(args[0].(*Envelope))
	})
}

// HandleError registers a hook for accept failures.
func (s *Server) HandleError(f func(err error)) {
	s.events.Handle("error", func(c *Conn, args ...any) error {
		f(args[0].(error))
		return nil
	})
}

// HandleVerb replaces the handler for one SMTP verb. The override may call
// Session.Default to fall through to the standard behavior. Only verbs from
// the recognized set are ever dispatched.
func (s *Server) HandleVerb(verb string, f func(sess *Session, arg string) error) {
	s.events.Set(verb, func(c *Conn, args ...any) error {
		return f(args[0].(*Session), args[1].(string))
	})
}

// Start binds the listen address and begins accepting connections. It does
// not block.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("server started", slog.String("address", ln.Addr().String()))

	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// acceptLoop accepts until the listener is closed. Accept failures fire the
// error event and listening continues.
func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error", slog.String("error", err.Error()))
			s.events.EmitIf("error", nil, err)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
			}
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn runs one connection through its session until it closes. The
// connection is bound to this goroutine for its whole lifetime.
func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()

	c := newConn(nc, connConfig{
		Timeout: s.cfg.Timeout,
		Debug:   s.cfg.Debug,
		Logger:  s.logger,
	})

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.collector.ConnectionOpened()
	c.logger.Info("connection accepted")

	defer func() {
		// Remove from the live set before the disconnect notification.
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
		s.collector.ConnectionClosed()
		s.events.EmitIf("disconnect", c, c.CloseReason())
		c.logger.Info("connection closed", slog.String("reason", c.CloseReason()))
	}()

	if err := c.Reply("220 " + s.cfg.Hostname + " Ready."); err != nil {
		return
	}
	s.events.EmitIf("client", c)

	sess := newSession(s, c)
	for {
		line, err := c.ReadCommand()
		if err != nil {
			c.noteReadError(err)
			return
		}
		sess.handle(line)
		if sess.state == StateClosed || c.IsClosed() {
			return
		}
	}
}

// Stop closes the listener and every live connection, then waits for the
// per-connection goroutines to finish. Start may be called again.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.CloseWithReason("server stopped")
	}
	s.wg.Wait()
	s.logger.Info("server stopped")
	return err
}

// Serve is the one-shot convenience: it constructs a server on addr with a
// single delivery sink and starts it.
func Serve(addr, hostname string, sink func(env *Envelope) error) (*Server, error) {
	s := New(Config{Addr: addr, Hostname: hostname})
	s.HandleMail(sink)
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}
