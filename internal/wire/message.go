package wire

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame.
	// Nothing was consumed; retry once more bytes are buffered.
	ErrIncomplete = errors.New("incomplete message")

	// ErrCorruptStream means the fixed header is unreadable, so frame
	// boundaries are lost and the stream cannot be resynchronised.
	ErrCorruptStream = errors.New("corrupt message stream")

	// ErrInvalidMessage is returned when encoding a message that violates
	// the header rules for its type.
	ErrInvalidMessage = errors.New("invalid message")
)

// FrameError reports a single malformed frame whose length is known. The
// frame can be skipped and decoding resumed at the next one.
type FrameError struct {
	Length int
	Serial uint32
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed message (serial %d, %d bytes): %v", e.Serial, e.Length, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Message is a single D-Bus message.
type Message struct {
	Order       byte
	Type        Type
	Flags       Flags
	Serial      uint32
	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	UnixFDs     uint32
	Body        []Value
}

// NewMethodCall creates a method call. The serial is assigned when sent.
func NewMethodCall(destination string, path ObjectPath, iface, member string, args ...Value) *Message {
	return &Message{
		Order:       LittleEndian,
		Type:        TypeMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        args,
	}
}

// NewMethodReturn creates a successful reply to call.
func NewMethodReturn(call *Message, args ...Value) *Message {
	return &Message{
		Order:       LittleEndian,
		Type:        TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Body:        args,
	}
}

// NewError creates an error reply to call. A non-empty text becomes the
// conventional single string argument.
func NewError(call *Message, name, text string) *Message {
	m := &Message{
		Order:       LittleEndian,
		Type:        TypeError,
		ErrorName:   name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if text != "" {
		m.Body = []Value{String(text)}
	}
	return m
}

// NewSignal creates a broadcast signal.
func NewSignal(path ObjectPath, iface, member string, args ...Value) *Message {
	return &Message{
		Order:     LittleEndian,
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      args,
	}
}

// Signature returns the body signature.
func (m *Message) Signature() Signature {
	return SignatureOf(m.Body...)
}

// ExpectsReply reports whether the message is a call awaiting a reply.
func (m *Message) ExpectsReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// IsReply reports whether the message is a method return or error.
func (m *Message) IsReply() bool {
	return m.Type == TypeMethodReturn || m.Type == TypeError
}

// Err converts an error reply into a *Error. It returns nil for other types.
func (m *Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	e := &Error{Name: m.ErrorName}
	if len(m.Body) > 0 {
		if s, ok := m.Body[0].(String); ok {
			e.Message = string(s)
		}
	}
	return e
}

// String summarises the header for logs.
func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s serial=%d", m.Type, m.Serial)
	if m.ReplySerial != 0 {
		fmt.Fprintf(&b, " reply_serial=%d", m.ReplySerial)
	}
	if m.Sender != "" {
		fmt.Fprintf(&b, " sender=%s", m.Sender)
	}
	if m.Destination != "" {
		fmt.Fprintf(&b, " destination=%s", m.Destination)
	}
	if m.Path != "" {
		fmt.Fprintf(&b, " path=%s", m.Path)
	}
	if m.Interface != "" {
		fmt.Fprintf(&b, " interface=%s", m.Interface)
	}
	if m.Member != "" {
		fmt.Fprintf(&b, " member=%s", m.Member)
	}
	if m.ErrorName != "" {
		fmt.Fprintf(&b, " error_name=%s", m.ErrorName)
	}
	if sig := m.Signature(); sig != "" {
		fmt.Fprintf(&b, " signature=%s", sig)
	}
	return b.String()
}

// validate enforces the required header fields for each message type.
func (m *Message) validate() error {
	if m.Serial == 0 {
		return errors.New("serial must be non-zero")
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return errors.New("method call requires path and member")
		}
	case TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return errors.New("signal requires path, interface and member")
		}
	case TypeError:
		if m.ErrorName == "" || m.ReplySerial == 0 {
			return errors.New("error requires error name and reply serial")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("method return requires reply serial")
		}
	default:
		return fmt.Errorf("unknown message type %d", m.Type)
	}
	if m.Path != "" && !ValidObjectPath(string(m.Path)) {
		return fmt.Errorf("bad object path %q", m.Path)
	}
	if m.Interface != "" && !ValidInterface(m.Interface) {
		return fmt.Errorf("bad interface %q", m.Interface)
	}
	if m.Member != "" && !ValidMember(m.Member) {
		return fmt.Errorf("bad member %q", m.Member)
	}
	if m.ErrorName != "" && !ValidErrorName(m.ErrorName) {
		return fmt.Errorf("bad error name %q", m.ErrorName)
	}
	if m.Destination != "" && !ValidBusName(m.Destination) {
		return fmt.Errorf("bad destination %q", m.Destination)
	}
	if m.Sender != "" && !ValidBusName(m.Sender) {
		return fmt.Errorf("bad sender %q", m.Sender)
	}
	return nil
}

// headerFields lists the present header fields in code order.
func (m *Message) headerFields(sig Signature) []Value {
	var fields []Value
	add := func(code HeaderField, v Value) {
		fields = append(fields, Struct{Fields: []Value{Byte(code), Variant{Value: v}}})
	}
	if m.Path != "" {
		add(FieldPath, m.Path)
	}
	if m.Interface != "" {
		add(FieldInterface, String(m.Interface))
	}
	if m.Member != "" {
		add(FieldMember, String(m.Member))
	}
	if m.ErrorName != "" {
		add(FieldErrorName, String(m.ErrorName))
	}
	if m.ReplySerial != 0 {
		add(FieldReplySerial, Uint32(m.ReplySerial))
	}
	if m.Destination != "" {
		add(FieldDestination, String(m.Destination))
	}
	if m.Sender != "" {
		add(FieldSender, String(m.Sender))
	}
	if sig != "" {
		add(FieldSignature, sig)
	}
	if m.UnixFDs != 0 {
		add(FieldUnixFDs, Uint32(m.UnixFDs))
	}
	return fields
}

// Encode marshals the message into a single wire frame.
func Encode(m *Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	order := m.Order
	if order != BigEndian {
		order = LittleEndian
	}

	body := newEncoder(order, nil)
	for _, v := range m.Body {
		if err := body.value(v); err != nil {
			return nil, err
		}
	}
	sig := m.Signature()
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	h := newEncoder(order, make([]byte, 0, 128+len(body.buf)))
	h.buf = append(h.buf, order, byte(m.Type), byte(m.Flags), ProtocolVersion)
	h.putUint32(uint32(len(body.buf)))
	h.putUint32(m.Serial)
	fields := Array{Elem: "(yv)", Items: m.headerFields(sig)}
	if err := h.value(fields); err != nil {
		return nil, err
	}
	h.pad(8)
	h.buf = append(h.buf, body.buf...)
	if len(h.buf) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds limit", ErrInvalidMessage, len(h.buf))
	}
	return h.buf, nil
}

// FrameLength reports the total length of the frame at the start of buf, or
// ErrIncomplete when fewer than 16 bytes are available.
func FrameLength(buf []byte) (int, error) {
	if len(buf) < fixedHeaderSize {
		return 0, ErrIncomplete
	}
	order := buf[0]
	if order != LittleEndian && order != BigEndian {
		return 0, fmt.Errorf("%w: bad byte order marker 0x%02x", ErrCorruptStream, order)
	}
	if buf[3] != ProtocolVersion {
		return 0, fmt.Errorf("%w: unsupported protocol version %d", ErrCorruptStream, buf[3])
	}
	bo := byteOrder(order)
	bodyLen := bo.Uint32(buf[4:8])
	fieldsLen := bo.Uint32(buf[12:16])
	if fieldsLen > MaxArraySize {
		return 0, fmt.Errorf("%w: header fields length %d exceeds limit", ErrCorruptStream, fieldsLen)
	}
	bodyStart := (fixedHeaderSize + int(fieldsLen) + 7) &^ 7
	total := bodyStart + int(bodyLen)
	if total > MaxMessageSize {
		return 0, fmt.Errorf("%w: message length %d exceeds limit", ErrCorruptStream, total)
	}
	return total, nil
}

// Decode unmarshals the frame at the start of buf. It returns the message
// and the number of bytes consumed. A partially buffered frame yields
// ErrIncomplete with nothing consumed; a malformed frame of known length
// yields a *FrameError and the frame length so the caller can skip it.
func Decode(buf []byte) (*Message, int, error) {
	total, err := FrameLength(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	bo := byteOrder(buf[0])
	serial := bo.Uint32(buf[8:12])
	m, err := decodeFrame(buf[:total])
	if err != nil {
		return nil, total, &FrameError{Length: total, Serial: serial, Err: err}
	}
	return m, total, nil
}

func decodeFrame(frame []byte) (*Message, error) {
	order := frame[0]
	bo := byteOrder(order)
	m := &Message{
		Order:  order,
		Type:   Type(frame[1]),
		Flags:  Flags(frame[2]),
		Serial: bo.Uint32(frame[8:12]),
	}
	bodyLen := int(bo.Uint32(frame[4:8]))
	headerEnd := fixedHeaderSize + int(bo.Uint32(frame[12:16]))
	bodyStart := len(frame) - bodyLen

	hd := newDecoder(order, frame[:headerEnd])
	hd.pos = 12
	raw, err := hd.value("a(yv)")
	if err != nil {
		return nil, fmt.Errorf("header fields: %w", err)
	}
	for i := headerEnd; i < bodyStart; i++ {
		if frame[i] != 0 {
			return nil, errors.New("non-zero padding before body")
		}
	}

	var sig Signature
	seen := make(map[HeaderField]bool)
	for _, item := range raw.(Array).Items {
		fields := item.(Struct).Fields
		code := HeaderField(fields[0].(Byte))
		v := fields[1].(Variant).Value
		want, known := fieldSignatures[code]
		if !known {
			continue
		}
		if seen[code] {
			return nil, fmt.Errorf("duplicate header field %d", code)
		}
		seen[code] = true
		if v.Signature() != want {
			return nil, fmt.Errorf("header field %d has type %q, want %q", code, v.Signature(), want)
		}
		switch code {
		case FieldPath:
			m.Path = v.(ObjectPath)
		case FieldInterface:
			m.Interface = string(v.(String))
		case FieldMember:
			m.Member = string(v.(String))
		case FieldErrorName:
			m.ErrorName = string(v.(String))
		case FieldReplySerial:
			m.ReplySerial = uint32(v.(Uint32))
		case FieldDestination:
			m.Destination = string(v.(String))
		case FieldSender:
			m.Sender = string(v.(String))
		case FieldSignature:
			sig = v.(Signature)
		case FieldUnixFDs:
			m.UnixFDs = uint32(v.(Uint32))
		}
	}

	types, err := sig.Types()
	if err != nil {
		return nil, err
	}
	if len(types) == 0 && bodyLen > 0 {
		return nil, fmt.Errorf("body of %d bytes without signature", bodyLen)
	}
	bd := newDecoder(order, frame[bodyStart:])
	for _, t := range types {
		v, err := bd.value(t)
		if err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
		m.Body = append(m.Body, v)
	}
	if bd.pos != bodyLen {
		return nil, fmt.Errorf("body signature %q covers %d of %d declared bytes", sig, bd.pos, bodyLen)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Batch is the result of decoding a buffer that may hold several frames.
type Batch struct {
	Messages []*Message
	// Consumed is the number of bytes the caller should drop from the
	// front of its buffer, including skipped frames.
	Consumed int
	// Skipped holds one *FrameError per malformed frame.
	Skipped []error
}

// DecodeAll decodes frames from the start of buf until the remainder is
// incomplete. Malformed frames are skipped and reported in Batch.Skipped.
// A non-nil error means the stream is corrupt; the batch still holds the
// frames decoded before the corruption.
func DecodeAll(buf []byte) (Batch, error) {
	var b Batch
	for {
		m, n, err := Decode(buf[b.Consumed:])
		var frameErr *FrameError
		switch {
		case err == nil:
			b.Messages = append(b.Messages, m)
			b.Consumed += n
		case errors.Is(err, ErrIncomplete):
			return b, nil
		case errors.As(err, &frameErr):
			b.Skipped = append(b.Skipped, err)
			b.Consumed += n
		default:
			return b, err
		}
	}
}
