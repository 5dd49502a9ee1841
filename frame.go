package boxproxy

//
// Frame codec: XML-over-TCP framing, CRC, and field extraction.
//

import (
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"
)

// frameOpenTag and frameCloseTag delimit a complete frame on the wire.
const (
	frameOpenTag  = "<Frame>"
	frameCloseTag = "</Frame>"
)

// Frame is the protocol's atomic unit: an XML document delimited by
// <Frame>...</Frame> and sealed with a 5-digit decimal CRC over the
// inner payload (spec §3). No length prefix is read or written.
//
// A Frame is immutable once built: all fields are populated by [Parse]
// or by [Builder.Build] and are never mutated afterwards.
type Frame struct {
	// Raw is the complete wire representation, including the
	// <Frame>...</Frame> envelope.
	Raw []byte

	// Inner is the payload between <Frame> and <CRC>...</CRC></Frame>,
	// i.e. the bytes the CRC was computed over.
	Inner string

	// CRC is the 5-digit decimal CRC value found on the wire.
	CRC string

	// CRCValid is true when CRC matches the recomputed checksum of Inner.
	CRCValid bool

	// Result is the frame class tag (IsNewFW, IsNewSet, IsNewWeather,
	// ACK, END, NACK), or "" when the frame carries a table payload.
	Result string

	// Reason is optional, e.g. "Setting".
	Reason string

	// TblName, TblItem and NewValue are populated for setting frames.
	TblName  string
	TblItem  string
	NewValue string

	// ID, IDDevice, IDSet, DT and Ver are other fields of interest.
	ID       string
	IDDevice string
	IDSet    string
	DT       string
	Ver      string
}

// Class returns the derived [FrameClass] used for routing and ACK
// synthesis (spec §3 "Signal class").
func (f *Frame) Class() FrameClass {
	switch f.Result {
	case "IsNewFW", "IsNewSet", "IsNewWeather":
		return ClassPoll
	case "ACK":
		return ClassACK
	case "NACK":
		return ClassNACK
	case "END":
		return ClassEnd
	}
	if f.Reason == "Setting" {
		return ClassSetting
	}
	if strings.HasPrefix(f.TblName, "tbl_") || f.TblName == "tbl_events" || f.TblName == "tbl_actual" {
		return ClassTable
	}
	return ClassUnknown
}

// crc5 computes the protocol's checksum: the summation of the payload's
// byte values, formatted as five zero-padded decimal digits (spec §4.1).
func crc5(payload []byte) string {
	var sum int
	for _, b := range payload {
		sum += int(b)
	}
	return fmt.Sprintf("%05d", sum%100000)
}

// extractTag is a tolerant single-level tag scraper: unknown tags are
// ignored and missing tags yield an absent value, never an error (spec
// §4.1's tolerant field-parsing contract). It is deliberately not a
// generic XML parser because vendor firmware has been observed to emit
// unescaped and duplicate tags that a strict decoder would reject.
func extractTag(s, name string) (string, bool) {
	open := "<" + name + ">"
	shut := "</" + name + ">"
	start := strings.Index(s, open)
	if start < 0 {
		return "", false
	}
	start += len(open)
	end := strings.Index(s[start:], shut)
	if end < 0 {
		return "", false
	}
	return s[start : start+end], true
}

// parseFields parses the fields of a Frame out of its inner payload,
// tolerating unknown or absent tags.
func parseFields(f *Frame) {
	f.Result, _ = extractTag(f.Inner, "Result")
	f.Reason, _ = extractTag(f.Inner, "Reason")
	f.TblName, _ = extractTag(f.Inner, "TblName")
	f.TblItem, _ = extractTag(f.Inner, "TblItem")
	f.NewValue, _ = extractTag(f.Inner, "NewValue")
	f.ID, _ = extractTag(f.Inner, "ID")
	f.IDDevice, _ = extractTag(f.Inner, "ID_Device")
	f.IDSet, _ = extractTag(f.Inner, "ID_Set")
	f.DT, _ = extractTag(f.Inner, "DT")
	f.Ver, _ = extractTag(f.Inner, "ver")
}

// Parse parses a single complete `<Frame>...</Frame>` byte slice (without
// leading junk) into a [Frame]. It reports [ErrParseError] when the CRC
// tag is absent; a present-but-mismatching CRC is not an error here —
// callers should check [Frame.CRCValid] (a malformed frame must not
// desync the stream, per spec §4.1, so we still return the frame).
func Parse(raw []byte) (*Frame, error) {
	s := string(raw)
	body := strings.TrimSuffix(strings.TrimPrefix(s, frameOpenTag), frameCloseTag)

	crc, found := extractTag(body, "CRC")
	if !found {
		return nil, fmt.Errorf("%w: missing CRC tag", ErrParseError)
	}
	inner := strings.Replace(body, "<CRC>"+crc+"</CRC>", "", 1)

	f := &Frame{
		Raw:      append([]byte(nil), raw...),
		Inner:    inner,
		CRC:      crc,
		CRCValid: crc == crc5([]byte(inner)),
	}
	parseFields(f)
	return f, nil
}

// Decoder extracts complete frames from an append-only byte stream
// (spec §4.1's inbound contract).
//
// The zero value is ready to use. A Decoder is not safe for concurrent
// use; each [Handler] or [CloudSession] owns exactly one.
type Decoder struct {
	buf  []byte
	errs *atomic.Int64
}

// NewDecoder returns a [Decoder] that increments errs (if non-nil) once
// per parse error it skips over.
func NewDecoder(errs *atomic.Int64) *Decoder {
	return &Decoder{errs: errs}
}

// Feed appends data to the decoder's internal buffer and returns the
// longest prefix of complete, well-formed frames found so far. Frames
// with a missing or mismatching CRC are reported as parse errors
// (counted) and skipped; malformed frames do not desync the stream: the
// decoder resynchronizes by searching for the next "<Frame>" tag.
func (d *Decoder) Feed(data []byte) []*Frame {
	d.buf = append(d.buf, data...)

	var out []*Frame
	for {
		// Tolerate leading junk by searching for the next opening tag.
		start := bytes.Index(d.buf, []byte(frameOpenTag))
		if start < 0 {
			// no frame start in the buffer; keep only a small tail in
			// case the opening tag is split across reads
			if len(d.buf) > len(frameOpenTag) {
				d.buf = d.buf[len(d.buf)-len(frameOpenTag)+1:]
			}
			return out
		}
		if start > 0 {
			d.buf = d.buf[start:]
		}

		end := bytes.Index(d.buf, []byte(frameCloseTag))
		if end < 0 {
			// incomplete frame; wait for more data
			return out
		}
		end += len(frameCloseTag)

		raw := d.buf[:end]
		d.buf = d.buf[end:]

		frame, err := Parse(raw)
		if err != nil {
			d.countError()
			continue
		}
		if !frame.CRCValid {
			d.countError()
			continue
		}
		out = append(out, frame)
	}
}

func (d *Decoder) countError() {
	if d.errs != nil {
		d.errs.Add(1)
	}
}

// Builder constructs outbound frames with valid CRCs (spec §4.1's
// outbound contract).
type Builder struct {
	fields []string
}

// NewBuilder returns an empty [Builder].
func NewBuilder() *Builder {
	return &Builder{}
}

// Set appends a `<name>value</name>` tag to the frame under construction
// and returns the builder for chaining.
func (b *Builder) Set(name, value string) *Builder {
	b.fields = append(b.fields, fmt.Sprintf("<%s>%s</%s>", name, value, name))
	return b
}

// Build computes the CRC over the accumulated inner payload and returns
// the complete wire bytes: `<Frame>...<CRC>NNNNN</CRC></Frame>`.
func (b *Builder) Build() []byte {
	inner := strings.Join(b.fields, "")
	crc := crc5([]byte(inner))
	return []byte(frameOpenTag + inner + "<CRC>" + crc + "</CRC>" + frameCloseTag)
}

// BuildInner is a convenience for building a frame from an already
// concatenated inner-payload string (mirrors spec §4.1's "given an
// inner-payload string" contract directly).
func BuildInner(inner string) []byte {
	crc := crc5([]byte(inner))
	return []byte(frameOpenTag + inner + "<CRC>" + crc + "</CRC>" + frameCloseTag)
}
