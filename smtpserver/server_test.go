package smtpserver

import (
	"net"
	"sync"
	"testing"
	"time"
)

func TestStartStopRestart(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", Hostname: "mx.test"})

	if err := srv.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	addr := srv.Addr().String()

	c := dialSMTP(t, addr)
	c.expect("220 mx.test Ready.")

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if srv.Addr() != nil {
		t.Error("Addr non-nil after stop")
	}

	// Start again after stop.
	if err := srv.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer srv.Stop()

	c2 := dialSMTP(t, srv.Addr().String())
	c2.expect("220 mx.test Ready.")
}

func TestStartTwiceFails(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	if err := srv.Start(); err == nil {
		t.Error("second start succeeded, want error")
	}
}

func TestStopClosesLiveConnections(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"})

	disconnects := make(chan string, 4)
	srv.HandleDisconnect(func(c *Conn, reason string) {
		disconnects <- reason
	})

	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	c := dialSMTP(t, srv.Addr().String())
	c.expect("220")

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case reason := <-disconnects:
		if reason != "server stopped" {
			t.Errorf("disconnect reason %q, want %q", reason, "server stopped")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect event after stop")
	}

	if _, err := c.r.ReadString('\n'); err == nil {
		t.Error("connection still readable after stop")
	}
}

func TestClientAndDisconnectEvents(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"})

	var mu sync.Mutex
	var clients, disconnects int
	srv.HandleClient(func(c *Conn) {
		mu.Lock()
		clients++
		mu.Unlock()
	})
	done := make(chan struct{}, 1)
	srv.HandleDisconnect(func(c *Conn, reason string) {
		mu.Lock()
		disconnects++
		mu.Unlock()
		done <- struct{}{}
	})

	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	c := dialSMTP(t, srv.Addr().String())
	c.expect("220")
	c.send("QUIT")
	c.expect("221 Bye.")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect event after quit")
	}

	mu.Lock()
	defer mu.Unlock()
	if clients != 1 {
		t.Errorf("client events = %d, want 1", clients)
	}
	if disconnects != 1 {
		t.Errorf("disconnect events = %d, want exactly 1", disconnects)
	}
}

func TestConnectionTimeout(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", Timeout: 50 * time.Millisecond})

	reasons := make(chan string, 1)
	srv.HandleDisconnect(func(c *Conn, reason string) {
		reasons <- reason
	})

	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	c := dialSMTP(t, srv.Addr().String())
	c.expect("220")

	// Go silent and wait for the server to give up on us.
	select {
	case reason := <-reasons:
		if reason != "timeout" {
			t.Errorf("disconnect reason %q, want %q", reason, "timeout")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection was not timed out")
	}
}

func TestServeFacade(t *testing.T) {
	mails := make(chan *Envelope, 1)
	srv, err := Serve("127.0.0.1:0", "oneshot.test", func(env *Envelope) error {
		mails <- env
		return nil
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer srv.Stop()

	c := dialSMTP(t, srv.Addr().String())
	c.expect("220 oneshot.test Ready.")
	c.send("HELO me")
	c.expect("250")
	c.send("MAIL FROM: <a@b>")
	c.expect("250")
	c.send("RCPT TO: <c@d>")
	c.expect("250")
	c.send("DATA")
	c.expect("354")
	c.sendRaw("one shot\r\n.\r\n")
	c.expect("250")

	env := <-mails
	if string(env.Data) != "one shot\r\n" {
		t.Errorf("data = %q", env.Data)
	}
}

func TestPeerDisconnectReason(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0"})
	reasons := make(chan string, 1)
	srv.HandleDisconnect(func(c *Conn, reason string) {
		reasons <- reason
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	_ = conn.Close()

	select {
	case reason := <-reasons:
		if reason != "" {
			t.Errorf("clean peer disconnect reason %q, want empty", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect event after peer close")
	}
}
