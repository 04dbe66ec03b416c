package smtpserver

import (
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
)

// State represents the position of a session in the SMTP dialogue.
type State int

const (
	StateGreeted  State = iota // Connected, no HELO/EHLO yet.
	StateIdle                  // HELO done, no transaction in progress.
	StateHaveFrom              // After successful MAIL.
	StateHaveRcpt              // After at least one successful RCPT.
	StateData                  // Receiving message content.
	StateClosed                // QUIT or fatal error.
)

// String returns a human-readable representation of the session state.
func (s State) String() string {
	switch s {
	case StateGreeted:
		return "GREETED"
	case StateIdle:
		return "IDLE"
	case StateHaveFrom:
		return "HAVE_FROM"
	case StateHaveRcpt:
		return "HAVE_RCPT"
	case StateData:
		return "DATA"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// recognizedVerbs is the closed set of verbs that reach dispatch. Anything
// else receives 500 without consulting the handler table.
var recognizedVerbs = map[string]bool{
	"HELO": true, "EHLO": true, "MAIL": true, "RCPT": true,
	"QUIT": true, "DATA": true, "EXPN": true, "VRFY": true,
	"NOOP": true, "HELP": true, "RSET": true,
}

// Session tracks one SMTP session on a connection: its state and the
// envelope under construction.
type Session struct {
	srv   *Server
	conn  *Conn
	state State
	env   *Envelope
}

func newSession(srv *Server, conn *Conn) *Session {
	return &Session{
		srv:   srv,
		conn:  conn,
		state: StateGreeted,
		env:   &Envelope{},
	}
}

// Conn returns the session's connection.
func (s *Session) Conn() *Conn {
	return s.conn
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state
}

// Envelope returns the envelope under construction. Verb overrides may
// inspect and modify it.
func (s *Session) Envelope() *Envelope {
	return s.env
}

// resetEnvelope empties the transaction while keeping the HELO identity.
func (s *Session) resetEnvelope() {
	s.env.reset()
	if s.env.Helo == "" {
		s.state = StateGreeted
	} else {
		s.state = StateIdle
	}
}

// handle dispatches one raw command line.
func (s *Session) handle(line string) {
	verb, arg := splitCommand(line)
	if !recognizedVerbs[verb] {
		_ = s.conn.Reply("500 Learn to type!")
		return
	}
	s.srv.collector.CommandProcessed(verb)

	dispatched, _ := s.srv.events.EmitIf(verb, s.conn, s, arg)
	if !dispatched {
		_ = s.conn.Reply("500 Not Supported")
	}
}

// Default runs the built-in behavior for verb with the given argument.
// Verb overrides use it to fall through to the standard handling.
func (s *Session) Default(verb, arg string) error {
	h, ok := s.srv.defaults[strings.ToUpper(verb)]
	if !ok {
		return fmt.Errorf("no default handler for %q", verb)
	}
	return h(s, arg)
}

// verbFunc is the typed form of a verb handler.
type verbFunc func(s *Session, arg string) error

// defaultVerbs builds the standard handler table installed at server
// construction.
func defaultVerbs() map[string]verbFunc {
	return map[string]verbFunc{
		"HELO": (*Session).smtpHelo,
		"EHLO": (*Session).smtpHelo,
		"MAIL": (*Session).smtpMail,
		"RCPT": (*Session).smtpRcpt,
		"DATA": (*Session).smtpData,
		"RSET": (*Session).smtpRset,
		"NOOP": func(s *Session, arg string) error { return s.conn.Reply("252 Ok.") },
		"HELP": func(s *Session, arg string) error { return s.conn.Reply("214 No help available.") },
		"EXPN": func(s *Session, arg string) error { return s.conn.Reply("252 Nice try.") },
		"VRFY": func(s *Session, arg string) error { return s.conn.Reply("252 Nice try.") },
		"QUIT": (*Session).smtpQuit,
	}
}

func (s *Session) smtpHelo(arg string) error {
	s.env.reset()
	s.env.Helo = arg
	s.state = StateIdle
	return s.conn.Reply("250 Go on.")
}

func (s *Session) smtpMail(arg string) error {
	if s.env.Helo == "" {
		return s.conn.Reply("503 Error: send HELO/EHLO first")
	}
	if s.env.From != "" {
		return s.conn.Reply("503 Error: nested MAIL command")
	}
	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		return s.conn.Reply("501 Usage: MAIL FROM: mail addr")
	}
	addr, err := parseMailbox(rest)
	if err != nil {
		return s.conn.Reply("501 Usage: MAIL FROM: mail addr")
	}
	s.env.From = addr
	s.state = StateHaveFrom
	return s.conn.Ok("")
}

func (s *Session) smtpRcpt(arg string) error {
	if s.env.Helo == "" {
		return s.conn.Reply("503 Error: send HELO/EHLO first")
	}
	if s.env.From == "" {
		return s.conn.Reply("503 Error: need MAIL command")
	}
	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		return s.conn.Reply("501 Usage: RCPT TO: mail addr")
	}
	addrs, err := parseMailboxList(rest)
	if err != nil {
		return s.conn.Reply("501 Usage: RCPT TO: mail addr")
	}
	if max := s.srv.cfg.MaxRecipients; max > 0 && len(s.env.To)+len(addrs) > max {
		return s.conn.Reply("452 Too many recipients")
	}
	s.env.To = append(s.env.To, addrs...)
	s.state = StateHaveRcpt
	return s.conn.Ok("")
}

func (s *Session) smtpData(arg string) error {
	if s.env.Helo == "" {
		return s.conn.Reply("503 Error: send HELO/EHLO first")
	}
	if s.env.From == "" {
		return s.conn.Reply("503 Error: need MAIL command")
	}
	if len(s.env.To) == 0 {
		return s.conn.Reply("554 Error: need RCPT command")
	}
	if err := s.conn.Reply("354 End data with <CR><LF>.<CR><LF>"); err != nil {
		return err
	}
	s.state = StateData

	body, err := s.conn.ReadData(s.srv.cfg.MaxMessageSize)
	if err != nil {
		domain := recipientDomain(s.env.To)
		if err == ErrMessageTooLarge {
			s.srv.collector.MessageRejected(domain, "oversize")
			_ = s.conn.Reply("552 Too much mail data.")
			_ = s.conn.CloseWithReason("oversize")
		} else {
			s.conn.noteReadError(err)
		}
		s.state = StateClosed
		return nil
	}
	s.env.Data = body

	// Hand the completed envelope to the sink before queueing the 250, so a
	// failing sink turns into a 500 instead of a false acknowledgment.
	env := s.env
	s.env = &Envelope{Helo: env.Helo}
	domain := recipientDomain(env.To)
	if _, err := s.srv.events.EmitIf("mail", s.conn, env); err != nil {
		s.srv.collector.MessageRejected(domain, "sink_error")
		s.resetEnvelope()
		return nil
	}
	s.srv.collector.MessageReceived(domain, int64(len(env.Data)))
	s.conn.logger.Info("message received",
		slog.String("from", env.From),
		slog.Int("recipients", len(env.To)),
		slog.Int("size", len(env.Data)),
	)
	if err := s.conn.Reply("250 I'll take it"); err != nil {
		return err
	}
	s.resetEnvelope()
	return nil
}

func (s *Session) smtpRset(arg string) error {
	s.resetEnvelope()
	return s.conn.Ok("")
}

func (s *Session) smtpQuit(arg string) error {
	_ = s.conn.Reply("221 Bye.")
	_ = s.conn.CloseWithReason("quit")
	s.state = StateClosed
	return nil
}

// splitCommand splits a raw command line into an uppercased verb and the
// remainder.
func splitCommand(line string) (verb, arg string) {
	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// cutPrefixFold removes prefix from s case-insensitively, reporting whether
// it was present. SMTP clients send both "MAIL FROM:<a@b>" and
// "MAIL FROM: <a@b>"; the remainder is trimmed either way.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// parseMailbox extracts exactly one mailbox from an RFC 5322 address,
// accepting both bracketed and bare forms.
func parseMailbox(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty address")
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return a.Address, nil
}

// parseMailboxList extracts at least one mailbox from an RFC 5322 address
// list.
func parseMailboxList(s string) ([]string, error) {
	if s == "" {
		return nil, fmt.Errorf("empty address list")
	}
	al, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(al))
	for _, a := range al {
		addrs = append(addrs, a.Address)
	}
	return addrs, nil
}

// recipientDomain extracts the domain of the first recipient, for metric
// labels.
func recipientDomain(to []string) string {
	if len(to) == 0 {
		return "unknown"
	}
	if idx := strings.LastIndex(to[0], "@"); idx >= 0 {
		return to[0][idx+1:]
	}
	return "unknown"
}
