package boxproxy

//
// Connection handler: one per accepted BOX TCP connection (spec §4.7).
//

import (
	"context"
	"net"
	"time"
)

// HandlerConfig configures a [Handler].
type HandlerConfig struct {
	// FastFallbackDeadline bounds how long ONLINE mode waits for a
	// cloud ACK before falling back to a local synthesised reply
	// (spec §4.6's "fast fallback deadline", default a few hundred ms).
	FastFallbackDeadline time.Duration

	// AckDeadline is a cloud ACK deadline for a full (non-fallback)
	// send. Handler does not read it: every forward it makes uses
	// FastFallbackDeadline, and the supervisor's REPLAY drainer uses
	// Config.CloudAckTimeout.
	AckDeadline time.Duration

	// FastFallbackThreshold is the number of consecutive fast
	// fallbacks in ONLINE mode that triggers a transition to OFFLINE
	// (spec §4.6: "on repeated such fallbacks").
	FastFallbackThreshold int
}

// DefaultHandlerConfig returns reasonable spec-aligned defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		FastFallbackDeadline:  300 * time.Millisecond,
		AckDeadline:           1800 * time.Second,
		FastFallbackThreshold: 3,
	}
}

// Handler drives one accepted BOX connection end to end: parses the
// frame stream, consults the mode engine, talks to the cloud session or
// the synthesiser, injects pending settings, and publishes observed
// frames. Its main loop is grounded on the teacher's RunNDT0Server
// accept/read/write shape combined with the linkForward select-loop
// idiom for "try cloud, else synthesize, else fall through" branching.
type Handler struct {
	conn       net.Conn
	cfg        HandlerConfig
	cloud      *CloudSession
	queue      *Queue
	mode       *Engine
	control    *ControlPipeline
	ctrlSource ControlSource
	synth      *Synthesizer
	pub        Publisher
	logger     Logger
	counters   *Counters
	deviceID   string

	fastFallbacks int
}

// NewHandler constructs a [Handler] for an already-accepted conn.
// ctrlSource may be nil: [ControlResult]s are then computed but not
// delivered anywhere (spec §6's "a real embedder wires one in").
func NewHandler(
	conn net.Conn,
	cfg HandlerConfig,
	cloud *CloudSession,
	queue *Queue,
	mode *Engine,
	control *ControlPipeline,
	ctrlSource ControlSource,
	pub Publisher,
	logger Logger,
	counters *Counters,
) *Handler {
	return &Handler{
		conn:       conn,
		cfg:        cfg,
		cloud:      cloud,
		queue:      queue,
		mode:       mode,
		control:    control,
		ctrlSource: ctrlSource,
		synth:      NewSynthesizer(),
		pub:        pub,
		logger:     logger,
		counters:   counters,
		deviceID:   conn.RemoteAddr().String(),
	}
}

// Run reads frames from the BOX socket and processes each one until
// EOF, an I/O error, or ctx is cancelled. It also drains the cloud
// session's unsolicited-frame channel for the lifetime of the
// connection and relays anything that arrives straight to the BOX
// (spec §4.3's receive loop, spec §2's "inbound cloud frames -> codec
// -> connection handler -> BOX" flow) — this assumes the usual
// single-BOX-connection deployment spec §1 describes; with more than
// one concurrent connection, an unsolicited cloud frame is delivered to
// whichever Handler's select happens to win.
//
// Per-connection lifecycle teardown is caller's responsibility via
// conn.Close; the durable queue and cloud session outlive any single
// Handler (spec §4.7's "per-connection lifecycle").
func (h *Handler) Run(ctx context.Context) error {
	boxFrames := make(chan *Frame, 8)
	readErrCh := make(chan error, 1)
	go h.readBoxFrames(boxFrames, readErrCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrCh:
			return err
		case f := <-boxFrames:
			if err := h.process(ctx, f); err != nil {
				return err
			}
		case f := <-h.cloud.Unsolicited():
			h.forwardUnsolicited(f)
		}
	}
}

// readBoxFrames decodes the BOX socket into boxFrames until EOF or an
// I/O error, which it reports on errCh.
func (h *Handler) readBoxFrames(boxFrames chan<- *Frame, errCh chan<- error) {
	dec := NewDecoder(&h.counters.ParseErrors)
	buf := make([]byte, 4096)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				boxFrames <- f
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

// forwardUnsolicited relays a cloud-initiated frame straight to the BOX
// and publishes it, mirroring the publish step process gives BOX-origin
// frames.
func (h *Handler) forwardUnsolicited(f *Frame) {
	h.publishDirection(f, DirectionFromCloud)
	if _, err := h.conn.Write(f.Raw); err != nil {
		h.logger.Warnf("boxproxy: conn: forwarding unsolicited cloud frame failed: %s", err.Error())
	}
}

// process executes the five ordered steps of spec §4.7's protocol for
// one parsed inbound frame.
func (h *Handler) process(ctx context.Context, f *Frame) error {
	// Step 2: publish (non-blocking; Publisher implementations MUST
	// NOT block per spec §6).
	h.publishDirection(f, DirectionFromBox)

	// Step 4 precursor / Observe: give the control pipeline first look
	// at ACK/NACK-with-Reason=Setting frames, since those never get a
	// synthesised or forwarded reply of their own. Results are routed to
	// the control ingress's source so the original requester is told the
	// outcome (spec §4.8).
	if result, ok := h.control.Observe(f); ok && h.ctrlSource != nil {
		h.ctrlSource.Respond(result)
	}

	if f.Class() == ClassEnd {
		return nil // spec §4.5: END expects no reply at all
	}

	reply, sentToCloud := h.stepForwardOrSynthesize(ctx, f)

	// Step 5: offer this frame as a carrier opportunity for a pending
	// setting. A carrier frame replaces the synthesiser's echo/ACK,
	// but never replaces a cloud-forwarded reply that already
	// succeeded (the BOX already got its answer cloud-side).
	if !sentToCloud {
		if carrier, ok := h.control.Carrier(f); ok {
			reply = carrier
		}
	}

	if reply == nil {
		return nil
	}
	_, err := h.conn.Write(reply)
	return err
}

// stepForwardOrSynthesize implements steps 3 and 4: try the cloud when
// the mode engine says to forward, otherwise (or on fast timeout) fall
// back to enqueue-and-synthesize.
func (h *Handler) stepForwardOrSynthesize(ctx context.Context, f *Frame) (reply []byte, sentToCloud bool) {
	if h.mode.Current() == ModeOnline {
		deadline := time.Now().Add(h.cfg.FastFallbackDeadline)
		cloudReply, err := h.cloud.SendAndWaitAck(ctx, f.Raw, f.Class(), deadline)
		if err == nil {
			h.fastFallbacks = 0
			if h.counters != nil {
				h.counters.FramesForwarded.Add(1)
			}
			return cloudReply.Raw, true
		}
		h.fastFallbacks++
		if h.counters != nil {
			h.counters.FastFallbacks.Add(1)
		}
		if h.fastFallbacks >= h.cfg.FastFallbackThreshold {
			h.mode.CloudSendFailed()
			h.fastFallbacks = 0
		}
	}

	// OFFLINE, HYBRID, REPLAY (for live traffic), or a failed ONLINE
	// forward: enqueue (subject to class filters) and answer locally.
	if _, err := h.queue.Enqueue(f.Raw, f.Class()); err != nil {
		h.logger.Warnf("boxproxy: conn: enqueue failed: %s", err.Error())
	}
	resp, ok := h.synth.Respond(f)
	if ok && h.counters != nil {
		h.counters.FramesSynthesized.Add(1)
	}
	return resp, false
}

func (h *Handler) publishDirection(f *Frame, dir Direction) {
	if h.pub == nil {
		return
	}
	h.pub.Publish(PublishedFrame{
		Direction: dir,
		Timestamp: time.Now(),
		DeviceID:  h.deviceID,
		Class:     f.Class(),
		RawBytes:  f.Raw,
		ResultTag: f.Result,
		TblName:   f.TblName,
		TblItem:   f.TblItem,
		NewValue:  f.NewValue,
	})
}
