package smtpserver

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

// pipeConn returns a Conn wrapping one end of an in-memory pipe and the
// raw peer end.
func pipeConn(t *testing.T, cfg connConfig) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := newConn(server, cfg)
	t.Cleanup(func() {
		_ = c.Close()
		_ = client.Close()
	})
	return c, client
}

func TestReadCommandTrimsWhitespace(t *testing.T) {
	c, peer := pipeConn(t, connConfig{})

	go func() {
		peer.Write([]byte("  MAIL FROM: <a@b>  \r\n"))
	}()

	line, err := c.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if line != "MAIL FROM: <a@b>" {
		t.Errorf("got %q, want trimmed command", line)
	}
}

func TestReadData(t *testing.T) {
	tests := []struct {
		name string
		wire string
		want string
	}{
		{"simple", "hello\r\n.\r\n", "hello\r\n"},
		{"empty", ".\r\n", ""},
		{"multiline", "a\r\nb\r\n.\r\n", "a\r\nb\r\n"},
		{"unstuffed", "..foo\r\n.\r\n", ".foo\r\n"},
		{"single dot prefix kept", ".x\r\n.\r\n", ".x\r\n"},
		{"blank lines kept", "a\r\n\r\nb\r\n.\r\n", "a\r\n\r\nb\r\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, peer := pipeConn(t, connConfig{})
			go func() {
				peer.Write([]byte(tc.wire))
			}()
			body, err := c.ReadData(0)
			if err != nil {
				t.Fatalf("ReadData: %v", err)
			}
			if string(body) != tc.want {
				t.Errorf("got %q, want %q", body, tc.want)
			}
		})
	}
}

func TestReadDataTooLarge(t *testing.T) {
	c, peer := pipeConn(t, connConfig{})

	go func() {
		peer.Write([]byte("0123456789\r\n0123456789\r\n.\r\n"))
	}()

	_, err := c.ReadData(15)
	if err != ErrMessageTooLarge {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}
}

func TestReplyAppendsCRLF(t *testing.T) {
	c, peer := pipeConn(t, connConfig{})

	go func() {
		if err := c.Reply("250 OK"); err != nil {
			t.Errorf("Reply: %v", err)
		}
	}()

	r := bufio.NewReader(peer)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if line != "250 OK\r\n" {
		t.Errorf("got %q, want %q", line, "250 OK\r\n")
	}
}

func TestReplyVerbatimWithCRLF(t *testing.T) {
	c, peer := pipeConn(t, connConfig{})

	raw := "line1\r\nline2\r\n"
	go func() {
		if err := c.Reply(raw); err != nil {
			t.Errorf("Reply: %v", err)
		}
	}()

	buf := make([]byte, len(raw))
	if _, err := peer.Read(buf); err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(buf) != raw {
		t.Errorf("got %q, want verbatim %q", buf, raw)
	}
}

func TestOkDefaultsMessage(t *testing.T) {
	c, peer := pipeConn(t, connConfig{})

	go func() {
		_ = c.Ok("")
	}()
	r := bufio.NewReader(peer)
	line, _ := r.ReadString('\n')
	if !strings.HasPrefix(line, "250 OK") {
		t.Errorf("got %q, want 250 OK", line)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := pipeConn(t, connConfig{})

	if err := c.CloseWithReason("quit"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.CloseWithReason("other"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := c.CloseReason(); got != "quit" {
		t.Errorf("close reason %q, want first reason to stick", got)
	}
	if !c.IsClosed() {
		t.Error("IsClosed = false after close")
	}
}

func TestReadCommandTimeout(t *testing.T) {
	c, _ := pipeConn(t, connConfig{Timeout: 20 * time.Millisecond})

	_, err := c.ReadCommand()
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !isTimeout(err) {
		t.Fatalf("got %v, want timeout", err)
	}
	c.noteReadError(err)
	if got := c.CloseReason(); got != "timeout" {
		t.Errorf("close reason %q, want %q", got, "timeout")
	}
}
