package smtpclient_test

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/mons/smtpkit/smtpclient"
	"github.com/mons/smtpkit/smtpserver"
)

// startReceiver runs a receiving server and returns its host and port with
// a channel of delivered envelopes.
func startReceiver(t *testing.T) (string, int, chan *smtpserver.Envelope) {
	t.Helper()

	srv := smtpserver.New(smtpserver.Config{Addr: "127.0.0.1:0", Hostname: "rt.test"})
	mails := make(chan *smtpserver.Envelope, 4)
	srv.HandleMail(func(env *smtpserver.Envelope) error {
		mails <- env
		return nil
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("starting receiver: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		t.Fatalf("splitting address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port, mails
}

// The full loop: a message sent through the client arrives at the server
// byte-identical, the caller having done any required dot-stuffing.
func TestClientServerRoundTrip(t *testing.T) {
	host, port, mails := startReceiver(t)

	// The second line is a caller-stuffed lone dot; the receiver unstuffs
	// it back to the logical body.
	wire := []byte("line one\r\n..\r\n..leading dot\r\nlast\r\n")
	logical := []byte("line one\r\n.\r\n.leading dot\r\nlast\r\n")

	res, err := smtpclient.Send(context.Background(), smtpclient.Request{
		Host:    host,
		Port:    port,
		Helo:    "rt-sender.test",
		From:    "sender@origin.test",
		To:      []string{"rcpt@target.test"},
		Data:    wire,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ok, errReason := res.Single()
	if ok == "" {
		t.Fatalf("send failed: %q", errReason)
	}

	env := <-mails
	if env.From != "sender@origin.test" {
		t.Errorf("from = %q", env.From)
	}
	if len(env.To) != 1 || env.To[0] != "rcpt@target.test" {
		t.Errorf("to = %v", env.To)
	}
	if !bytes.Equal(env.Data, logical) {
		t.Errorf("data = %q, want byte-identical logical body %q", env.Data, logical)
	}
}

// Interop: a widely used third-party client speaks to our server.
func TestGoSMTPClientInterop(t *testing.T) {
	host, port, mails := startReceiver(t)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c, err := gosmtp.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("interop.test"); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if err := c.Mail("from@interop.test", nil); err != nil {
		t.Fatalf("mail: %v", err)
	}
	if err := c.Rcpt("to@interop.test", nil); err != nil {
		t.Fatalf("rcpt: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	body := "Subject: interop\r\n\r\nhello from go-smtp\r\n"
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatalf("writing body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing data: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Fatalf("quit: %v", err)
	}

	env := <-mails
	if env.From != "from@interop.test" {
		t.Errorf("from = %q", env.From)
	}
	if string(env.Data) != body {
		t.Errorf("data = %q, want %q", env.Data, body)
	}
}
