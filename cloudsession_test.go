package boxproxy

import (
	"context"
	"net"
	"testing"
	"time"
)

// fakeCloud accepts a single connection and lets the test script reads
// and writes against it.
func fakeCloud(t *testing.T) (addr string, conns chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	conns = make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()
	return ln.Addr().String(), conns
}

func testCloudSession(addr string) *CloudSession {
	cfg := CloudSessionConfig{
		Addr:              addr,
		ConnectTimeout:    500 * time.Millisecond,
		DefaultAckTimeout: 2 * time.Second,
	}
	return NewCloudSession(cfg, &nopLogger{}, &Counters{})
}

func TestCloudSessionSendAndWaitAckPoll(t *testing.T) {
	addr, conns := fakeCloud(t)
	s := testCloudSession(addr)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c := <-conns
		buf := make([]byte, 4096)
		n, _ := c.Read(buf)
		_ = buf[:n]
		c.Write(BuildInner("<Result>IsNewSet</Result><ID>9</ID>"))
	}()

	ctx := context.Background()
	poll := BuildInner("<Result>IsNewSet</Result>")
	f, err := s.SendAndWaitAck(ctx, poll, ClassPoll, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("SendAndWaitAck: %v", err)
	}
	if f.Result != "IsNewSet" {
		t.Fatalf("unexpected reply: %+v", f)
	}
	<-done

	if s.State() != CloudLive {
		t.Fatalf("expected live state, got %v", s.State())
	}
}

func TestCloudSessionTimeout(t *testing.T) {
	addr, conns := fakeCloud(t)
	s := testCloudSession(addr)
	defer s.Close()

	go func() {
		c := <-conns
		buf := make([]byte, 4096)
		c.Read(buf) // never reply
	}()

	ctx := context.Background()
	poll := BuildInner("<Result>IsNewSet</Result>")
	_, err := s.SendAndWaitAck(ctx, poll, ClassPoll, time.Now().Add(100*time.Millisecond))
	if err != ErrCloudTimeout {
		t.Fatalf("expected ErrCloudTimeout, got %v", err)
	}
}

func TestCloudSessionConnectFailureDisconnected(t *testing.T) {
	// an address nothing listens on
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	s := testCloudSession(addr)
	defer s.Close()

	ctx := context.Background()
	_, err := s.SendAndWaitAck(ctx, BuildInner("<Result>ACK</Result>"), ClassACK, time.Now().Add(time.Second))
	if err == nil {
		t.Fatalf("expected an error dialing a closed listener")
	}
	if s.State() != CloudDisconnected {
		t.Fatalf("expected disconnected state, got %v", s.State())
	}
}

func TestCloudSessionTableAckMatch(t *testing.T) {
	addr, conns := fakeCloud(t)
	s := testCloudSession(addr)
	defer s.Close()

	go func() {
		c := <-conns
		buf := make([]byte, 4096)
		c.Read(buf)
		c.Write(BuildInner("<Result>ACK</Result>"))
	}()

	ctx := context.Background()
	tbl := BuildInner("<TblName>tbl_events</TblName>")
	f, err := s.SendAndWaitAck(ctx, tbl, ClassTable, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("SendAndWaitAck: %v", err)
	}
	if f.Class() != ClassACK {
		t.Fatalf("expected ACK class reply, got %v", f.Class())
	}
}

func TestCloudSessionUnsolicitedFrameForwarded(t *testing.T) {
	addr, conns := fakeCloud(t)
	s := testCloudSession(addr)
	defer s.Close()

	// prime a live connection with an ordinary send/reply round trip.
	go func() {
		c := <-conns
		buf := make([]byte, 4096)
		c.Read(buf)
		c.Write(BuildInner("<Result>ACK</Result>"))
		// after replying, push a frame the session never asked for.
		time.Sleep(20 * time.Millisecond)
		c.Write(BuildInner("<Result>IsNewSet</Result><ID>unsolicited</ID>"))
	}()

	ctx := context.Background()
	if _, err := s.SendAndWaitAck(ctx, BuildInner("<Result>ACK</Result>"), ClassACK, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SendAndWaitAck: %v", err)
	}

	select {
	case f := <-s.Unsolicited():
		if f.ID != "unsolicited" {
			t.Fatalf("unexpected unsolicited frame: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for unsolicited frame")
	}
}

func TestCloudSessionClose(t *testing.T) {
	addr, _ := fakeCloud(t)
	s := testCloudSession(addr)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.SendAndWaitAck(ctx, []byte("x"), ClassACK, time.Now().Add(time.Second))
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
