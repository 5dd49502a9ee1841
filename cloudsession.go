package boxproxy

//
// Cloud session: one TCP connection to the vendor cloud, dialed and
// written by one owner goroutine and read by one reader goroutine
// (spec §4.3).
//

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// atomicCloudState is a lock-free box for [CloudState], read far more
// often (by the mode engine and observability) than it is written.
type atomicCloudState struct {
	v atomic.Int32
}

func (a *atomicCloudState) store(s CloudState) { a.v.Store(int32(s)) }
func (a *atomicCloudState) load() CloudState   { return CloudState(a.v.Load()) }

// CloudSessionConfig configures a [CloudSession].
type CloudSessionConfig struct {
	// Addr is the cloud endpoint, "host:port".
	Addr string

	// ConnectTimeout bounds a single dial attempt (spec default 5s).
	ConnectTimeout time.Duration

	// DefaultAckTimeout is used when a caller does not override it
	// per class (spec default 1800s).
	DefaultAckTimeout time.Duration
}

// sendRequest is the unit of work submitted to the session's owner
// goroutine. Only one is outstanding at a time: the protocol does not
// pipeline sends (spec §4.3's "at most one live connection", §9's
// single-in-flight-send note).
type sendRequest struct {
	frame    []byte
	class    FrameClass
	deadline time.Time
	replyCh  chan sendOutcome
}

// sendOutcome is what SendAndWaitAck waits for.
type sendOutcome struct {
	frame *Frame
	err   error
}

// idlePollInterval bounds how long readLoop can be blocked in Read with
// nothing pending before it rechecks reqCh for a newly submitted
// request. It sits well under HandlerConfig's fast-fallback deadline so
// a request handed off while the reader is idle still gets matched
// against incoming bytes with time to spare.
const idlePollInterval = 50 * time.Millisecond

// CloudSession owns at most one live TCP connection to the cloud
// endpoint. One goroutine (run) dials and writes; a second goroutine
// per dial (readLoop) does all reading. Callers interact exclusively
// through requestCh, mirroring the teacher's link.go/ndt0.go channel-owned-by-
// one-goroutine shape (spec §9's prescribed fix for callback-driven ACK
// matching).
type CloudSession struct {
	cfg      CloudSessionConfig
	logger   Logger
	counters *Counters

	requestCh     chan *sendRequest
	closeCh       chan struct{}
	doneCh        chan struct{}
	unsolicitedCh chan *Frame

	state atomicCloudState
}

// NewCloudSession starts a [CloudSession]'s owner goroutine and returns
// immediately; no connection is dialed until the first send (spec
// §4.3's "lazy connect").
func NewCloudSession(cfg CloudSessionConfig, logger Logger, counters *Counters) *CloudSession {
	s := &CloudSession{
		cfg:           cfg,
		logger:        logger,
		counters:      counters,
		requestCh:     make(chan *sendRequest),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
		unsolicitedCh: make(chan *Frame, 32),
	}
	s.state.store(CloudDisconnected)
	go s.run()
	return s
}

// State returns the session's current connection state.
func (s *CloudSession) State() CloudState {
	return s.state.load()
}

// Unsolicited yields cloud-originated frames that arrived with no
// matching SendAndWaitAck outstanding: the connection handler forwards
// these straight to the BOX (spec §4.3's receive loop, spec §2's
// "inbound cloud frames -> codec -> connection handler -> BOX" flow).
func (s *CloudSession) Unsolicited() <-chan *Frame {
	return s.unsolicitedCh
}

// Close shuts the session down: the owner goroutine closes any live
// socket and exits. Close does not wait for in-flight sends; callers
// should stop issuing them first.
func (s *CloudSession) Close() error {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	<-s.doneCh
	return nil
}

// SendAndWaitAck submits frame to the session's owner goroutine and
// blocks until a matching ACK arrives, the deadline elapses, the cloud
// connection hits EOF, or an I/O error occurs (spec §4.3's
// send_and_wait_ack contract). It is safe to call concurrently; the
// owner goroutine serializes actual socket use.
func (s *CloudSession) SendAndWaitAck(ctx context.Context, frame []byte, class FrameClass, deadline time.Time) (*Frame, error) {
	req := &sendRequest{
		frame:    frame,
		class:    class,
		deadline: deadline,
		replyCh:  make(chan sendOutcome, 1),
	}

	select {
	case s.requestCh <- req:
	case <-s.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-req.replyCh:
		return out.frame, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the session's sole owner of the connection's lifecycle and its
// write side: dial if not connected, hand each request's frame off to
// the live connection's reader, which does the actual matching (spec
// §9's single-in-flight-send note — run never blocks waiting for a
// reply itself, the reader delivers straight to req.replyCh).
func (s *CloudSession) run() {
	defer close(s.doneCh)

	var conn net.Conn
	var reqCh chan *sendRequest
	var readErrCh chan error
	var reconnectNotBefore time.Time
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = s.reconnectCeiling()
	bo.MaxElapsedTime = 0
	bo.Multiplier = 2

	closeConn := func() {
		if conn != nil {
			conn.Close()
			conn = nil
			reqCh = nil
			readErrCh = nil
		}
		s.state.store(CloudDisconnected)
	}
	defer closeConn()

	for {
		select {
		case <-s.closeCh:
			return

		case err := <-readErrCh:
			s.logger.Debugf("boxproxy: cloud: connection lost: %s", err.Error())
			closeConn()

		case req := <-s.requestCh:
			if conn == nil {
				if time.Now().Before(reconnectNotBefore) {
					req.replyCh <- sendOutcome{err: ErrCloudEOF}
					continue
				}
				s.state.store(CloudConnecting)
				c, err := net.DialTimeout("tcp", s.cfg.Addr, s.cfg.ConnectTimeout)
				if err != nil {
					s.state.store(CloudDisconnected)
					delay := bo.NextBackOff()
					if delay == backoff.Stop {
						delay = bo.MaxInterval
					}
					reconnectNotBefore = time.Now().Add(delay)
					req.replyCh <- sendOutcome{err: err}
					continue
				}
				conn = c
				reqCh = make(chan *sendRequest, 1)
				readErrCh = make(chan error, 1)
				go s.readLoop(conn, NewDecoder(&s.counters.ParseErrors), reqCh, readErrCh)
				bo.Reset()
				s.state.store(CloudLive)
			}

			deadline := req.deadline
			if deadline.IsZero() {
				deadline = time.Now().Add(s.cfg.DefaultAckTimeout)
			}
			req.deadline = deadline

			if err := conn.SetWriteDeadline(deadline); err != nil {
				closeConn()
				req.replyCh <- sendOutcome{err: err}
				continue
			}
			if _, err := conn.Write(req.frame); err != nil {
				closeConn()
				req.replyCh <- sendOutcome{err: err}
				continue
			}

			// hand off to the reader; it polls reqCh at idlePollInterval
			// whenever nothing is pending, so it notices req shortly
			// without run() needing to touch the shared deadline itself.
			reqCh <- req
		}
	}
}

// readLoop is a connection's persistent reader, independent of whether a
// send is outstanding (spec §4.3's receive loop). It runs for the
// lifetime of one dial: frames that match the currently pending
// request are delivered to it; everything else — including
// cloud-initiated frames that arrive with nothing pending — is
// forwarded to unsolicitedCh for the connection handler to relay to the
// BOX. A non-fatal read timeout with nothing pending just means no
// traffic arrived during the idle poll window; it is not reported as a
// connection failure.
func (s *CloudSession) readLoop(conn net.Conn, dec *Decoder, reqCh <-chan *sendRequest, errCh chan<- error) {
	var pending *sendRequest
	buf := make([]byte, 4096)

	for {
		select {
		case pending = <-reqCh:
			conn.SetReadDeadline(pending.deadline)
		default:
			if pending == nil {
				conn.SetReadDeadline(time.Now().Add(idlePollInterval))
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if pending == nil {
				// a request handed off while this Read was blocked is
				// already waiting in reqCh: claim it before matching.
				select {
				case pending = <-reqCh:
					conn.SetReadDeadline(pending.deadline)
				default:
				}
			}
			for _, f := range dec.Feed(buf[:n]) {
				if pending != nil && matchesAck(pending.class, f) {
					pending.replyCh <- sendOutcome{frame: f}
					pending = nil
					continue
				}
				select {
				case s.unsolicitedCh <- f:
				default:
					s.logger.Warnf("boxproxy: cloud: dropping unsolicited frame: sink full")
				}
			}
		}
		if err != nil {
			if isTimeout(err) {
				if pending != nil {
					pending.replyCh <- sendOutcome{err: ErrCloudTimeout}
					pending = nil
				}
				continue
			}
			if pending != nil {
				pending.replyCh <- sendOutcome{err: ErrCloudEOF}
			}
			errCh <- err
			return
		}
	}
}

// matchesAck reports whether f is an acceptable reply to a sent frame
// of class sent (spec §4.3's class-appropriate echo/ACK contract).
func matchesAck(sent FrameClass, f *Frame) bool {
	switch sent {
	case ClassPoll:
		return f.Class() == ClassPoll && f.Result != ""
	case ClassTable, ClassSetting:
		return f.Class() == ClassACK || f.Class() == ClassNACK
	default:
		return f.Class() == ClassACK
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// reconnectCeiling scales the reconnect back-off cap to the configured
// connect timeout, per spec §6.3's "capped at a configured-timeout-
// scaled ceiling".
func (s *CloudSession) reconnectCeiling() time.Duration {
	ceiling := 10 * s.cfg.ConnectTimeout
	if ceiling < 60*time.Second {
		ceiling = 60 * time.Second
	}
	return ceiling
}
