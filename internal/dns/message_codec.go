package dns

import "errors"

// Intent records whether a MessageCodec is being used to parse an inbound
// message or render an outbound one. A codec is reset to a fresh intent
// between requests rather than allocated anew.
type Intent int

const (
	// IntentParse means the codec holds (or is about to hold) a message
	// decoded from wire bytes.
	IntentParse Intent = iota
	// IntentRender means the codec is building a message for serialization.
	IntentRender
)

// Section identifies one of the four sections of a DNS message, in the
// order they must be rendered (RFC 1035 Section 4.1).
type Section int

const (
	SectionQuestion Section = iota
	SectionAnswer
	SectionAuthority
	SectionAdditional
)

// ErrNoSpace is returned by RenderSection when the section's records do not
// fully fit within the caller-supplied limit. For the additional section this
// is tolerated by callers: whatever fit is kept.
var ErrNoSpace = errors.New("dns: section does not fit in limit")

// MessageCodec is a stateful wrapper around Packet that mirrors the
// parse/render lifecycle a client driving one request at a time needs:
// decode once, mutate into a reply, then render section by section so a
// caller can stop (and still have a well-formed message) if space runs out.
//
// A MessageCodec is not safe for concurrent use; it is owned by exactly one
// client for exactly one in-flight request.
type MessageCodec struct {
	intent Intent
	msg    Packet

	buf     []byte
	counts  [4]uint16 // rendered record counts per Section
	started bool
}

// NewMessageCodec creates a codec with the given intent.
func NewMessageCodec(intent Intent) *MessageCodec {
	return &MessageCodec{intent: intent}
}

// Reset clears all state and re-arms the codec for a new intent. This is
// what a client calls once a request has been finalized, so the codec can
// be reused for the next message on the same connection or dispatch slot.
func (c *MessageCodec) Reset(intent Intent) {
	c.intent = intent
	c.msg = Packet{}
	c.buf = nil
	c.counts = [4]uint16{}
	c.started = false
}

// Intent reports the codec's current mode.
func (c *MessageCodec) Intent() Intent { return c.intent }

// Message returns a pointer to the codec's current message for in-place
// mutation by a request handler.
func (c *MessageCodec) Message() *Packet { return &c.msg }

// SetMessage replaces the codec's current message outright.
func (c *MessageCodec) SetMessage(p Packet) { c.msg = p }

// Parse decodes buf into the codec's message. preserveOrder is accepted for
// interface compatibility with parsers that may reorder records during
// decompression; this implementation always preserves wire order.
func (c *MessageCodec) Parse(buf []byte, preserveOrder bool) error {
	if len(buf) > MaxIncomingDNSMessageSize {
		return errors.New("dns: message too large")
	}
	p, err := ParsePacket(buf)
	if err != nil {
		return err
	}
	if err := validateSectionCounts(p.Header); err != nil {
		return err
	}
	c.msg = p
	return nil
}

// Reply transforms the codec's current message into the skeleton of a
// response: the QR bit is set, everything but the header (and, if
// preserveQuestion is set, the question section) is discarded. It fails if
// the current message is already a response.
func (c *MessageCodec) Reply(preserveQuestion bool) error {
	if isResponse(c.msg.Header.Flags) {
		return errors.New("dns: cannot build a reply from a message that is already a response")
	}
	var q []Question
	if preserveQuestion {
		q = c.msg.Questions
	}
	c.msg = Packet{
		Header: Header{
			ID:    c.msg.Header.ID,
			Flags: c.msg.Header.Flags | QRFlag,
		},
		Questions: q,
	}
	return nil
}

// SetRCode overwrites the low 4 bits of the header flags with rcode.
func (c *MessageCodec) SetRCode(rcode RCode) {
	c.msg.Header.Flags = (c.msg.Header.Flags &^ RCodeMask) | (uint16(rcode) & RCodeMask)
}

// RenderBegin discards any previous render output and reserves space for
// the 12-byte header, which is filled in by RenderEnd once final record
// counts are known.
func (c *MessageCodec) RenderBegin() {
	c.buf = make([]byte, HeaderSize)
	c.counts = [4]uint16{}
	c.started = true
}

// RenderSection appends the wire encoding of one section's records to the
// render buffer, stopping as soon as appending the next record would push
// the buffer past limit (a limit of 0 means unlimited). It returns the
// number of records from this section that were appended and ErrNoSpace if
// not all of them fit; the buffer always reflects only fully-appended
// records, so a caller may treat a truncated Additional section as final.
func (c *MessageCodec) RenderSection(section Section, limit int) (int, error) {
	if !c.started {
		c.RenderBegin()
	}

	switch section {
	case SectionQuestion:
		n, err := renderSlice(&c.buf, limit, c.msg.Questions, Question.Marshal)
		c.counts[section] = uint16(n)
		return n, err
	case SectionAnswer:
		n, err := renderSlice(&c.buf, limit, c.msg.Answers, Record.Marshal)
		c.counts[section] = uint16(n)
		return n, err
	case SectionAuthority:
		n, err := renderSlice(&c.buf, limit, c.msg.Authorities, Record.Marshal)
		c.counts[section] = uint16(n)
		return n, err
	case SectionAdditional:
		n, err := renderSlice(&c.buf, limit, c.msg.Additionals, Record.Marshal)
		c.counts[section] = uint16(n)
		return n, err
	default:
		return 0, errors.New("dns: unknown section")
	}
}

// renderSlice appends the wire form of each item to *buf in order, stopping
// (without appending a partial item) once limit would be exceeded.
func renderSlice[T any](buf *[]byte, limit int, items []T, marshal func(T) ([]byte, error)) (int, error) {
	for i, item := range items {
		b, err := marshal(item)
		if err != nil {
			return i, err
		}
		if limit > 0 && len(*buf)+len(b) > limit {
			return i, ErrNoSpace
		}
		*buf = append(*buf, b...)
	}
	return len(items), nil
}

// RenderEnd finalizes the render buffer by writing the header (with record
// counts reflecting whatever RenderSection calls actually fit) and returns
// the complete wire-format message. The codec is left in a rendered state;
// call Reset before reusing it for another message.
func (c *MessageCodec) RenderEnd() ([]byte, error) {
	if !c.started {
		c.RenderBegin()
	}
	h := Header{
		ID:      c.msg.Header.ID,
		Flags:   c.msg.Header.Flags,
		QDCount: c.counts[SectionQuestion],
		ANCount: c.counts[SectionAnswer],
		NSCount: c.counts[SectionAuthority],
		ARCount: c.counts[SectionAdditional],
	}
	hb, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	copy(c.buf[:HeaderSize], hb)
	return c.buf, nil
}
