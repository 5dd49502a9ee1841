package boxproxy

//
// Mode engine: decides how each BOX frame is handled and drives mode
// transitions (spec §4.6).
//

import (
	"sync/atomic"
)

// modeCommandKind enumerates the triggers that can move the mode engine
// (spec §4.6's transition table).
type modeCommandKind int

const (
	cmdCloudSendFailed modeCommandKind = iota
	cmdProberUp
	cmdProberDown
	cmdQueueEmpty
	cmdQueueNonEmpty
	cmdReplayDrained
	cmdHybridProbeSucceeded
	cmdOperatorOverride
)

// modeCommand is submitted to the engine's single worker goroutine, the
// same channel-owned-by-one-goroutine shape as the teacher's
// router.go Router (generalized from packet routing to mode
// transitions) so concurrent triggers never race on the transition
// table.
type modeCommand struct {
	kind       modeCommandKind
	override   Mode // only meaningful for cmdOperatorOverride
	queueEmpty bool // only meaningful for cmdProberUp
	done       chan struct{}
}

// Engine is the proxy-wide mode state machine (spec §4.6). Current is
// read far more often than it is written, so it is exposed via an
// atomic rather than behind the command-channel round trip.
type Engine struct {
	current  atomicMode
	counters *Counters
	logger   Logger
	cmdCh    chan modeCommand
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type atomicMode struct{ v atomic.Int32 }

func (a *atomicMode) store(m Mode) { a.v.Store(int32(m)) }
func (a *atomicMode) load() Mode   { return Mode(a.v.Load()) }

// NewEngine constructs an [Engine] starting in ONLINE, spawning its
// worker goroutine.
func NewEngine(logger Logger, counters *Counters) *Engine {
	e := &Engine{
		logger:   logger,
		counters: counters,
		cmdCh:    make(chan modeCommand),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	e.current.store(ModeOnline)
	go e.run()
	return e
}

// Current returns the engine's current mode.
func (e *Engine) Current() Mode {
	return e.current.load()
}

// Close stops the engine's worker goroutine.
func (e *Engine) Close() error {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.doneCh
	return nil
}

// submit dispatches a command and waits for the worker to process it.
func (e *Engine) submit(cmd modeCommand) {
	cmd.done = make(chan struct{})
	select {
	case e.cmdCh <- cmd:
		<-cmd.done
	case <-e.stopCh:
	}
}

// CloudSendFailed reports a failed cloud send to the engine (ONLINE ->
// OFFLINE, REPLAY -> OFFLINE).
func (e *Engine) CloudSendFailed() { e.submit(modeCommand{kind: cmdCloudSendFailed}) }

// ProberUp reports the health prober transitioned to reachable.
// queueEmpty reflects the durable queue's state at the moment of the
// report, since spec §4.6's OFFLINE exit depends on both signals
// together ("prober up AND queue empty" vs "prober up AND queue
// non-empty").
func (e *Engine) ProberUp(queueEmpty bool) {
	e.submit(modeCommand{kind: cmdProberUp, queueEmpty: queueEmpty})
}

// ProberDown reports the health prober transitioned to unreachable.
// It has no direct transition of its own (spec §4.6): prober-down while
// ONLINE surfaces as a cloud send failure instead.
func (e *Engine) ProberDown() { e.submit(modeCommand{kind: cmdProberDown}) }

// QueueEmpty reports the durable queue has drained to zero entries.
func (e *Engine) QueueEmpty() { e.submit(modeCommand{kind: cmdQueueEmpty}) }

// QueueNonEmpty reports the durable queue holds at least one entry.
func (e *Engine) QueueNonEmpty() { e.submit(modeCommand{kind: cmdQueueNonEmpty}) }

// ReplayDrained reports REPLAY successfully emptied the queue.
func (e *Engine) ReplayDrained() { e.submit(modeCommand{kind: cmdReplayDrained}) }

// HybridProbeSucceeded reports that HYBRID's single-frame cloud probe
// was accepted and ACKed, flipping the mode to REPLAY (spec §4.6's
// HYBRID semantics).
func (e *Engine) HybridProbeSucceeded() { e.submit(modeCommand{kind: cmdHybridProbeSucceeded}) }

// Override forces the engine into m regardless of the current state,
// per spec §4.6's "any -> HYBRID: operator configuration" and the
// mode_override configuration knob.
func (e *Engine) Override(m Mode) { e.submit(modeCommand{kind: cmdOperatorOverride, override: m}) }

func (e *Engine) run() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		case cmd := <-e.cmdCh:
			e.apply(cmd)
			close(cmd.done)
		}
	}
}

// apply is the transition table of spec §4.6, executed non-reentrantly
// by the single worker goroutine.
func (e *Engine) apply(cmd modeCommand) {
	from := e.current.load()
	to := from

	switch cmd.kind {
	case cmdOperatorOverride:
		to = cmd.override
	case cmdCloudSendFailed:
		if from == ModeOnline || from == ModeReplay {
			to = ModeOffline
		}
	case cmdProberUp:
		if from == ModeOffline {
			if cmd.queueEmpty {
				to = ModeOnline
			} else {
				to = ModeReplay
			}
		}
	case cmdProberDown:
		// no direct transition in the table; prober-down while ONLINE
		// is observed via cmdCloudSendFailed instead.
	case cmdQueueEmpty:
		if from == ModeOffline {
			to = ModeOnline
		}
	case cmdQueueNonEmpty:
		if from == ModeOffline {
			to = ModeReplay
		}
	case cmdReplayDrained:
		if from == ModeReplay {
			to = ModeOnline
		}
	case cmdHybridProbeSucceeded:
		if from == ModeHybrid {
			to = ModeReplay
		}
	}

	if to != from {
		e.current.store(to)
		if e.counters != nil {
			e.counters.ModeTransitions.Add(1)
		}
		if e.logger != nil {
			e.logger.Infof("boxproxy: mode: %s -> %s", from, to)
		}
	}
}
