package boxproxy

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

type recordingPublisher struct {
	events []PublishedFrame
}

func (r *recordingPublisher) Publish(ev PublishedFrame) {
	r.events = append(r.events, ev)
}

func newTestHandler(t *testing.T, conn net.Conn, mode *Engine, pub Publisher) (*Handler, *Queue, *CloudSession) {
	t.Helper()
	counters := &Counters{}
	logger := &nopLogger{}

	q, err := OpenQueue(DefaultQueueConfig(filepath.Join(t.TempDir(), "q.db")), logger, counters)
	if err != nil {
		t.Fatalf("OpenQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	// point the cloud session at a closed port so forwarding always
	// fails fast; tests that need a live cloud override this.
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()
	cloud := NewCloudSession(CloudSessionConfig{Addr: addr, ConnectTimeout: 50 * time.Millisecond, DefaultAckTimeout: time.Second}, logger, counters)
	t.Cleanup(func() { cloud.Close() })

	control := NewControlPipeline(DefaultControlPipelineConfig(), logger, counters)

	cfg := DefaultHandlerConfig()
	cfg.FastFallbackDeadline = 50 * time.Millisecond

	h := NewHandler(conn, cfg, cloud, q, mode, control, nil, pub, logger, counters)
	return h, q, cloud
}

func TestHandlerOfflineSynthesizesAndEnqueues(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mode := newTestEngine()
	defer mode.Close()
	mode.CloudSendFailed() // -> OFFLINE

	pub := &recordingPublisher{}
	h, q, _ := newTestHandler(t, server, mode, pub)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	frame := BuildInner("<Result>IsNewSet</Result>")
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse reply: %v", err)
	}
	if reply.Result != "IsNewSet" {
		t.Fatalf("expected synthesised echo, got %+v", reply)
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.events))
	}

	time.Sleep(20 * time.Millisecond) // let Enqueue's goroutine-free call settle
	if q.Size() != 1 {
		t.Fatalf("expected the poll frame enqueued, size=%d", q.Size())
	}

	client.Close()
	server.Close()
	<-done
}

func TestHandlerEndFrameGetsNoReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	mode := newTestEngine()
	defer mode.Close()
	mode.CloudSendFailed()

	h, _, _ := newTestHandler(t, server, mode, nil)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	if _, err := client.Write(BuildInner("<Result>END</Result>")); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	_, err := client.Read(buf)
	if err == nil {
		t.Fatalf("expected no reply to an END frame")
	}

	client.Close()
	server.Close()
	<-done
}

func TestHandlerForwardsUnsolicitedCloudFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mode := newTestEngine()
	defer mode.Close()

	pub := &recordingPublisher{}
	h, _, cloud := newTestHandler(t, server, mode, pub)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	unsolicited := BuildInner("<Result>IsNewFW</Result><ID>push</ID>")
	f, err := Parse(unsolicited)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cloud.unsolicitedCh <- f

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse reply: %v", err)
	}
	if reply.ID != "push" {
		t.Fatalf("expected the unsolicited cloud frame relayed verbatim, got %+v", reply)
	}

	client.Close()
	server.Close()
	<-done
}

func TestHandlerCarrierInjectsSettingInsteadOfEcho(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	mode := newTestEngine()
	defer mode.Close()
	mode.CloudSendFailed()

	h, _, _ := newTestHandler(t, server, mode, nil)
	corrID, err := h.control.Submit(ControlRequest{TblName: "tbl_prms", TblItem: "mode", NewValue: "auto"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if corrID == "" {
		t.Fatalf("expected a correlation id")
	}

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	if _, err := client.Write(BuildInner("<Result>IsNewSet</Result>")); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse reply: %v", err)
	}
	if reply.Reason != "Setting" || reply.TblItem != "mode" || reply.NewValue != "auto" {
		t.Fatalf("expected the carrier reply to be the setting frame, got %+v", reply)
	}

	client.Close()
	server.Close()
	<-done
}
