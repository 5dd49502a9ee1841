package boxproxy

//
// Data model
//

import (
	"errors"
	"sync/atomic"
	"time"
)

// Logger is the logger used throughout this package.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// FrameClass is the derived classification of a [Frame] used for
// routing and ACK synthesis (spec §3 "Signal class").
type FrameClass int

const (
	// ClassUnknown is the zero value: we could not classify the frame.
	ClassUnknown FrameClass = iota

	// ClassPoll covers IsNewFW, IsNewSet and IsNewWeather frames.
	ClassPoll

	// ClassACK is a BOX-to-cloud ACK frame.
	ClassACK

	// ClassNACK is a BOX-to-cloud NACK frame.
	ClassNACK

	// ClassEnd is an END frame: the BOX expects no reply.
	ClassEnd

	// ClassSetting is an outbound or inbound setting frame
	// (Reason=Setting).
	ClassSetting

	// ClassTable covers tbl_*_prms, tbl_events, tbl_actual, ... frames.
	ClassTable
)

// String returns a human-readable name for c.
func (c FrameClass) String() string {
	switch c {
	case ClassPoll:
		return "poll"
	case ClassACK:
		return "ack"
	case ClassNACK:
		return "nack"
	case ClassEnd:
		return "end"
	case ClassSetting:
		return "setting"
	case ClassTable:
		return "table"
	default:
		return "unknown"
	}
}

// Mode is the proxy-wide connectivity mode (spec §3 "Mode").
type Mode int

const (
	// ModeOnline forwards every BOX frame to the cloud.
	ModeOnline Mode = iota

	// ModeOffline answers every BOX frame locally and enqueues it.
	ModeOffline

	// ModeHybrid behaves like ModeOffline towards the BOX while
	// periodically probing the cloud in the background.
	ModeHybrid

	// ModeReplay drains the durable queue while continuing to serve
	// live BOX traffic locally.
	ModeReplay
)

// String returns a human-readable name for m.
func (m Mode) String() string {
	switch m {
	case ModeOnline:
		return "ONLINE"
	case ModeOffline:
		return "OFFLINE"
	case ModeHybrid:
		return "HYBRID"
	case ModeReplay:
		return "REPLAY"
	default:
		return "UNKNOWN"
	}
}

// CloudState is the cloud-session connection state (spec §3
// "Cloud-session state").
type CloudState int

const (
	// CloudDisconnected means no TCP connection exists.
	CloudDisconnected CloudState = iota

	// CloudConnecting means a dial is in flight.
	CloudConnecting

	// CloudLive means the TCP connection is up and usable.
	CloudLive

	// CloudDraining means the session is being torn down.
	CloudDraining
)

// String returns a human-readable name for s.
func (s CloudState) String() string {
	switch s {
	case CloudDisconnected:
		return "disconnected"
	case CloudConnecting:
		return "connecting"
	case CloudLive:
		return "live"
	case CloudDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// PendingState is the lifecycle state of a pending setting
// (spec §3 "Pending setting").
type PendingState int

const (
	// PendingQueued means the request has not been sent to the BOX yet.
	PendingQueued PendingState = iota

	// PendingSent means the setting frame was injected into the BOX
	// stream and we are waiting for an ACK.
	PendingSent

	// PendingAcked is a terminal state: the BOX acknowledged the
	// setting.
	PendingAcked

	// PendingFailed is a terminal state: the BOX sent an explicit
	// NACK for the setting.
	PendingFailed

	// PendingExpired is a terminal state: the deadline elapsed before
	// an ACK or NACK arrived.
	PendingExpired
)

// String returns a human-readable name for s.
func (s PendingState) String() string {
	switch s {
	case PendingQueued:
		return "queued"
	case PendingSent:
		return "sent"
	case PendingAcked:
		return "acked"
	case PendingFailed:
		return "failed"
	case PendingExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for the three states that end a pending
// setting's lifecycle.
func (s PendingState) IsTerminal() bool {
	return s == PendingAcked || s == PendingFailed || s == PendingExpired
}

// Direction identifies which side of the proxy a [PublishedFrame]
// travelled on.
type Direction int

const (
	// DirectionFromBox means the frame originated at the BOX.
	DirectionFromBox Direction = iota

	// DirectionFromCloud means the frame originated at the cloud.
	DirectionFromCloud

	// DirectionSynthesized means the proxy built the frame locally.
	DirectionSynthesized
)

// PublishedFrame is the event handed to a [Publisher] (spec §6
// "Publisher sink").
type PublishedFrame struct {
	Direction Direction
	Timestamp time.Time
	DeviceID  string
	Class     FrameClass
	RawBytes  []byte
	ResultTag string
	TblName   string
	TblItem   string
	NewValue  string
}

// Publisher consumes parsed-frame events. Publish MUST NOT block the
// caller; a slow or absent publisher may drop events (spec §6).
type Publisher interface {
	Publish(ev PublishedFrame)
}

// ControlRequest is an inbound "set TBL.ITEM = VALUE" request
// (spec §6 "Control source (ingress)").
type ControlRequest struct {
	TblName       string
	TblItem       string
	NewValue      string
	CorrelationID string
}

// ControlResult is the outcome reported back for a [ControlRequest].
type ControlResult struct {
	CorrelationID string
	Status        PendingState
	Reason        string
}

// ControlSource is the ingress half of the control pipeline's external
// interface: a channel of incoming requests, and a sink to report
// outcomes back to.
type ControlSource interface {
	Requests() <-chan ControlRequest
	Respond(result ControlResult)
}

// Counters holds the proxy's internal observability counters (spec §7).
// All fields are updated with sync/atomic and may be read concurrently
// via Snapshot.
type Counters struct {
	ParseErrors       atomic.Int64
	QueueOverflow     atomic.Int64
	QueueExhaustion   atomic.Int64
	FastFallbacks     atomic.Int64
	ControlExpiry     atomic.Int64
	ControlRejected   atomic.Int64
	ModeTransitions   atomic.Int64
	FramesForwarded   atomic.Int64
	FramesSynthesized atomic.Int64
}

// CountersSnapshot is a point-in-time copy of [Counters] suitable for
// logging or export.
type CountersSnapshot struct {
	ParseErrors       int64
	QueueOverflow     int64
	QueueExhaustion   int64
	FastFallbacks     int64
	ControlExpiry     int64
	ControlRejected   int64
	ModeTransitions   int64
	FramesForwarded   int64
	FramesSynthesized int64
}

// Snapshot returns a consistent-enough copy of c for observability
// purposes. Exact consistency across fields is not guaranteed, matching
// the "atomics or a lock-protected snapshot" guidance in spec §5.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		ParseErrors:       c.ParseErrors.Load(),
		QueueOverflow:     c.QueueOverflow.Load(),
		QueueExhaustion:   c.QueueExhaustion.Load(),
		FastFallbacks:     c.FastFallbacks.Load(),
		ControlExpiry:     c.ControlExpiry.Load(),
		ControlRejected:   c.ControlRejected.Load(),
		ModeTransitions:   c.ModeTransitions.Load(),
		FramesForwarded:   c.FramesForwarded.Load(),
		FramesSynthesized: c.FramesSynthesized.Load(),
	}
}

// Sentinel errors shared across the package (spec §7 error taxonomy).
var (
	// ErrParseError indicates a malformed or CRC-invalid frame.
	ErrParseError = errors.New("boxproxy: parse error")

	// ErrQueueFull indicates the durable queue could not accept an
	// entry even after evicting its oldest one.
	ErrQueueFull = errors.New("boxproxy: queue full")

	// ErrNotFound indicates a queue entry or pending setting lookup
	// that found nothing.
	ErrNotFound = errors.New("boxproxy: not found")

	// ErrCloudTimeout indicates a cloud send did not receive a
	// matching ACK within its deadline.
	ErrCloudTimeout = errors.New("boxproxy: cloud ack timeout")

	// ErrCloudEOF indicates the cloud connection closed unexpectedly.
	ErrCloudEOF = errors.New("boxproxy: cloud connection closed")

	// ErrNoPendingSetting indicates there is no pending setting to act on.
	ErrNoPendingSetting = errors.New("boxproxy: no pending setting")

	// ErrPendingSettingBusy indicates a new control request arrived
	// while the single pending-setting slot is not in a terminal state.
	ErrPendingSettingBusy = errors.New("boxproxy: a setting is already pending")

	// ErrClosed indicates an operation on an already-closed component.
	ErrClosed = errors.New("boxproxy: closed")
)
