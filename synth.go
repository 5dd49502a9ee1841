package boxproxy

//
// Local ACK synthesiser: computes a protocol-valid reply the BOX will
// accept in place of a cloud reply (spec §4.5).
//

import (
	"strconv"
	"sync/atomic"
)

// synthID is the process-wide generator for synthesised frame IDs,
// grounded on the teacher's nic.go nicID pattern (generalized from
// naming NICs to numbering frames).
var synthID = &atomic.Int64{}

// nextSynthID returns a fresh ID string for a synthesised frame.
func nextSynthID() string {
	return strconv.FormatInt(synthID.Add(1), 10)
}

// Synthesizer builds local replies to BOX frames when the cloud is
// unavailable or bypassed (spec §4.5). It is pure: no I/O, no locks
// beyond the atomic ID counter it shares process-wide.
type Synthesizer struct{}

// NewSynthesizer returns a ready-to-use [Synthesizer].
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

// Respond computes the local reply for an inbound frame f, or returns
// (nil, false) when no reply should be sent (spec §4.5's "END: emit
// nothing" and "ACK from BOX: never echoed" rules).
func (s *Synthesizer) Respond(f *Frame) ([]byte, bool) {
	switch f.Class() {
	case ClassPoll:
		return NewBuilder().
			Set("Result", f.Result).
			Set("ID", nextSynthID()).
			Build(), true
	case ClassTable:
		return NewBuilder().
			Set("Result", "ACK").
			Build(), true
	case ClassEnd:
		return nil, false
	case ClassACK, ClassNACK:
		return nil, false
	default:
		return nil, false
	}
}
