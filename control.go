package boxproxy

//
// Control pipeline: accepts high-level "set TBL.ITEM = VALUE" requests,
// materialises them as outbound setting frames, delivers them over the
// live BOX connection, confirms acknowledgement (spec §4.8).
//

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// pendingSetting is the single in-flight setting request.
type pendingSetting struct {
	req       ControlRequest
	state     PendingState
	deadline  time.Time
	retries   int
	idSet     string
	failedMsg string
}

// ControlPipelineConfig configures a [ControlPipeline].
type ControlPipelineConfig struct {
	// AckDeadline bounds how long a sent setting waits for an ACK or
	// NACK before expiring (spec default 30s).
	AckDeadline time.Duration

	// MaxRetries bounds the number of fresh-envelope retries attempted
	// after an expiry (spec default 3).
	MaxRetries int

	// RejectWhenBusy controls what happens when a new request arrives
	// while the slot is non-terminal. Submit returns
	// ErrPendingSettingBusy either way and never replaces a
	// non-terminal slot; true also counts the request under
	// Counters.ControlRejected, false leaves it uncounted for an
	// external queueing policy the caller implements.
	RejectWhenBusy bool
}

// DefaultControlPipelineConfig returns the spec's documented defaults.
func DefaultControlPipelineConfig() ControlPipelineConfig {
	return ControlPipelineConfig{
		AckDeadline:    30 * time.Second,
		MaxRetries:     3,
		RejectWhenBusy: true,
	}
}

// ControlPipeline owns the single pending-setting slot. All access goes
// through its mutex: the spec's invariant is "at most one pending
// setting", and updates must be serialised (spec §5 "Shared-resource
// policy").
type ControlPipeline struct {
	cfg      ControlPipelineConfig
	logger   Logger
	counters *Counters

	mu      sync.Mutex
	pending *pendingSetting

	corrSeq atomic.Int64
}

// NewControlPipeline constructs an empty [ControlPipeline].
func NewControlPipeline(cfg ControlPipelineConfig, logger Logger, counters *Counters) *ControlPipeline {
	return &ControlPipeline{cfg: cfg, logger: logger, counters: counters}
}

// Submit accepts req into the pending slot if it is free or terminal,
// returning a fresh correlation id. It returns [ErrPendingSettingBusy]
// whenever a non-terminal setting already occupies the slot, counting
// it as a rejection when RejectWhenBusy is set (spec §4.8's single-slot
// model).
func (p *ControlPipeline) Submit(req ControlRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil && !p.pending.state.IsTerminal() {
		if p.cfg.RejectWhenBusy && p.counters != nil {
			p.counters.ControlRejected.Add(1)
		}
		return "", ErrPendingSettingBusy
	}

	corrID := req.CorrelationID
	if corrID == "" {
		corrID = "ctl-" + strconv.FormatInt(p.corrSeq.Add(1), 10)
	}
	req.CorrelationID = corrID

	p.pending = &pendingSetting{
		req:   req,
		state: PendingQueued,
	}
	return corrID, nil
}

// Carrier is called by the connection handler at step 5 of spec §4.7's
// protocol, with the poll frame just seen as the carrier opportunity.
// It returns the setting frame to send instead of the synthesiser's
// echo, and transitions the pending slot queued -> sent (spec §4.8's
// injection policy).
func (p *ControlPipeline) Carrier(pollFrame *Frame) ([]byte, bool) {
	if pollFrame.Class() != ClassPoll {
		return nil, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil || p.pending.state != PendingQueued {
		return nil, false
	}

	ps := p.pending
	ps.idSet = "set-" + strconv.FormatInt(p.corrSeq.Add(1), 10)
	ps.deadline = time.Now().Add(p.cfg.AckDeadline)
	ps.state = PendingSent

	frame := NewBuilder().
		Set("Reason", "Setting").
		Set("TblName", ps.req.TblName).
		Set("TblItem", ps.req.TblItem).
		Set("NewValue", ps.req.NewValue).
		Set("ID", nextSynthID()).
		Set("ID_Set", ps.idSet).
		Set("DT", time.Now().Format("2006-01-02 15:04:05")).
		Set("TSec", strconv.FormatInt(time.Now().UTC().Unix(), 10)).
		Build()
	return frame, true
}

// Observe inspects an inbound BOX frame for an ACK or NACK matching the
// pending setting. A bare ACK without Reason=Setting does not clear the
// slot, per spec §4.8's lifecycle rule. It returns the outcome to hand
// a [ControlSource], if any.
func (p *ControlPipeline) Observe(f *Frame) (ControlResult, bool) {
	if f.Reason != "Setting" {
		return ControlResult{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil || p.pending.state != PendingSent {
		return ControlResult{}, false
	}

	switch f.Result {
	case "ACK":
		p.pending.state = PendingAcked
		return ControlResult{CorrelationID: p.pending.req.CorrelationID, Status: PendingAcked}, true
	case "NACK":
		p.pending.state = PendingFailed
		p.pending.failedMsg = f.NewValue
		return ControlResult{
			CorrelationID: p.pending.req.CorrelationID,
			Status:        PendingFailed,
			Reason:        f.NewValue,
		}, true
	default:
		return ControlResult{}, false
	}
}

// Tick checks whether the pending setting's deadline has elapsed,
// moving it to expired (and retrying with a fresh envelope up to
// MaxRetries) per spec §4.8's "Retries" rule. It returns a
// [ControlResult] when the slot reaches a terminal state the caller
// should report.
func (p *ControlPipeline) Tick(now time.Time) (ControlResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil || p.pending.state != PendingSent {
		return ControlResult{}, false
	}
	if now.Before(p.pending.deadline) {
		return ControlResult{}, false
	}

	if p.counters != nil {
		p.counters.ControlExpiry.Add(1)
	}

	if p.pending.retries < p.cfg.MaxRetries {
		p.pending.retries++
		p.pending.state = PendingQueued // re-arm for the next carrier opportunity with a fresh envelope
		p.logger.Warnf("boxproxy: control: setting %s expired, retry %d/%d",
			p.pending.req.CorrelationID, p.pending.retries, p.cfg.MaxRetries)
		return ControlResult{}, false
	}

	p.pending.state = PendingExpired
	return ControlResult{
		CorrelationID: p.pending.req.CorrelationID,
		Status:        PendingExpired,
		Reason:        fmt.Sprintf("no ack after %d retries", p.cfg.MaxRetries),
	}, true
}

// Status returns the current pending setting's state, or
// (PendingState(-1), false) when the slot is empty.
func (p *ControlPipeline) Status() (PendingState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return PendingState(-1), false
	}
	return p.pending.state, true
}
