package boxproxy

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newTestSupervisorConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.ListenPort = 0 // Go's net.Listen picks a free port; we read it back via readyCh

	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	cfg.CloudHost = host
	port, _ := strconv.Atoi(portStr)
	cfg.CloudPort = port

	cfg.QueuePath = filepath.Join(t.TempDir(), "q.db")
	cfg.HealthProbeEnabled = false
	return cfg
}

func TestSupervisorAcceptsAndShutsDownGracefully(t *testing.T) {
	cfg := newTestSupervisorConfig(t)
	sup, err := NewSupervisor(cfg, &nopLogger{}, nil, nil)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx, ready) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for listener readiness")
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	frame := BuildInner("<Result>IsNewFW</Result>")
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if reply.Result != "IsNewFW" {
		t.Fatalf("expected a synthesised echo (mode starts ONLINE, cloud unreachable -> fast fallback), got %+v", reply)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after shutdown")
	}
}

// fakeControlSource is a [ControlSource] a test can push requests into
// and read responses back out of.
type fakeControlSource struct {
	reqs  chan ControlRequest
	resps chan ControlResult
}

func newFakeControlSource() *fakeControlSource {
	return &fakeControlSource{
		reqs:  make(chan ControlRequest, 4),
		resps: make(chan ControlResult, 4),
	}
}

func (f *fakeControlSource) Requests() <-chan ControlRequest { return f.reqs }
func (f *fakeControlSource) Respond(result ControlResult)    { f.resps <- result }

// TestSupervisorControlIngressSubmits exercises runControlIngress end to
// end through the Supervisor: a request pushed onto a [ControlSource]'s
// Requests channel gets Submit-ted to the control pipeline without any
// test code calling ControlPipeline.Submit directly (control_test.go
// covers Submit's own behavior in isolation; this covers the wiring
// that makes it reachable from a real ControlSource).
func TestSupervisorControlIngressSubmits(t *testing.T) {
	cfg := newTestSupervisorConfig(t)
	ctrl := newFakeControlSource()
	sup, err := NewSupervisor(cfg, &nopLogger{}, nil, ctrl)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan net.Addr, 1)
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx, ready) }()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for listener readiness")
	}

	ctrl.reqs <- ControlRequest{TblName: "tbl_prms", TblItem: "mode", NewValue: "auto", CorrelationID: "corr-1"}

	deadline := time.Now().Add(time.Second)
	var status PendingState
	var ok bool
	for time.Now().Before(deadline) {
		if status, ok = sup.Control.Status(); ok && status == PendingQueued {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ok || status != PendingQueued {
		t.Fatalf("expected the ingress goroutine to have submitted corr-1, got status=%v ok=%v", status, ok)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after shutdown")
	}
}

// TestSupervisorReplayDrainsQueueAndSignalsEngine exercises
// runReplayDrain/drainOne through the Supervisor: entries enqueued while
// offline are drained against a live fake cloud once the engine is
// forced into REPLAY, and the engine is told once the queue empties.
func TestSupervisorReplayDrainsQueueAndSignalsEngine(t *testing.T) {
	addr, conns := fakeCloud(t)

	cfg := newTestSupervisorConfig(t)
	host, portStr, _ := net.SplitHostPort(addr)
	cfg.CloudHost = host
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	cfg.CloudPort = port

	sup, err := NewSupervisor(cfg, &nopLogger{}, nil, nil)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	if _, err := sup.Queue.Enqueue(BuildInner("<Result>IsNewSet</Result>"), ClassPoll); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	go func() {
		select {
		case c := <-conns:
			buf := make([]byte, 4096)
			c.Read(buf)
			c.Write(BuildInner("<Result>IsNewSet</Result><ID>replayed</ID>"))
		case <-time.After(2 * time.Second):
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan net.Addr, 1)
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx, ready) }()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for listener readiness")
	}

	sup.Mode.CloudSendFailed() // ONLINE -> OFFLINE
	sup.Mode.ProberUp(false)   // OFFLINE -> REPLAY (queue non-empty)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Queue.Size() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sup.Queue.Size() != 0 {
		t.Fatalf("expected the replay drainer to empty the queue, size=%d", sup.Queue.Size())
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sup.Mode.Current() == ModeOnline {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sup.Mode.Current() != ModeOnline {
		t.Fatalf("expected REPLAY to drain into ONLINE once the queue empties, got %v", sup.Mode.Current())
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after shutdown")
	}
}
