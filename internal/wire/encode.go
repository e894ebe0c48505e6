package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// ErrInvalidValue is returned when a value cannot be marshalled.
var ErrInvalidValue = errors.New("invalid value")

// encoder appends wire data to buf. Offsets are len(buf), so buf must start
// at an 8-byte boundary of the message (the message start or the body start).
type encoder struct {
	buf   []byte
	order wireOrder
	depth int
}

// wireOrder is satisfied by binary.LittleEndian and binary.BigEndian.
type wireOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func newEncoder(order byte, buf []byte) *encoder {
	return &encoder{buf: buf, order: byteOrder(order)}
}

func byteOrder(marker byte) wireOrder {
	if marker == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (e *encoder) pad(n int) {
	for len(e.buf)%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) putUint32(v uint32) {
	e.pad(4)
	e.buf = e.order.AppendUint32(e.buf, v)
}

func (e *encoder) putString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidValue)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return fmt.Errorf("%w: string contains NUL", ErrInvalidValue)
		}
	}
	e.putUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	return nil
}

func (e *encoder) putSignature(s Signature) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.buf = append(e.buf, byte(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	return nil
}

// value marshals v at the current offset.
func (e *encoder) value(v Value) error {
	if v == nil {
		return fmt.Errorf("%w: nil value", ErrInvalidValue)
	}
	e.pad(v.Signature().Alignment())
	switch x := v.(type) {
	case Byte:
		e.buf = append(e.buf, byte(x))
	case Bool:
		var b uint32
		if x {
			b = 1
		}
		e.buf = e.order.AppendUint32(e.buf, b)
	case Int16:
		e.buf = e.order.AppendUint16(e.buf, uint16(x))
	case Uint16:
		e.buf = e.order.AppendUint16(e.buf, uint16(x))
	case Int32:
		e.buf = e.order.AppendUint32(e.buf, uint32(x))
	case Uint32:
		e.buf = e.order.AppendUint32(e.buf, uint32(x))
	case UnixFD:
		e.buf = e.order.AppendUint32(e.buf, uint32(x))
	case Int64:
		e.buf = e.order.AppendUint64(e.buf, uint64(x))
	case Uint64:
		e.buf = e.order.AppendUint64(e.buf, uint64(x))
	case Double:
		e.buf = e.order.AppendUint64(e.buf, math.Float64bits(float64(x)))
	case String:
		return e.putString(string(x))
	case ObjectPath:
		if !ValidObjectPath(string(x)) {
			return fmt.Errorf("%w: bad object path %q", ErrInvalidValue, string(x))
		}
		return e.putString(string(x))
	case Signature:
		return e.putSignature(x)
	case Variant:
		return e.variant(x)
	case Array:
		return e.array(x)
	case Struct:
		return e.structure(x)
	case DictEntry:
		return e.dictEntry(x)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
	return nil
}

func (e *encoder) enter() error {
	e.depth++
	if e.depth > maxVariantDepth {
		return fmt.Errorf("%w: nesting too deep", ErrInvalidValue)
	}
	return nil
}

func (e *encoder) leave() { e.depth-- }

func (e *encoder) variant(v Variant) error {
	if v.Value == nil {
		return fmt.Errorf("%w: empty variant", ErrInvalidValue)
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	if err := e.putSignature(v.Value.Signature()); err != nil {
		return err
	}
	return e.value(v.Value)
}

func (e *encoder) array(a Array) error {
	if a.Elem == "" {
		return fmt.Errorf("%w: array without element type", ErrInvalidValue)
	}
	// Dict entries are only valid inside an array, so check the array type.
	types, err := a.Signature().Types()
	if err != nil {
		return err
	}
	if len(types) != 1 {
		return fmt.Errorf("%w: array element %q is not a single type", ErrInvalidValue, a.Elem)
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	e.putUint32(0)
	lengthAt := len(e.buf) - 4
	e.pad(a.Elem.Alignment())
	start := len(e.buf)
	for _, item := range a.Items {
		if item == nil || item.Signature() != a.Elem {
			return fmt.Errorf("%w: array of %q holds %v", ErrInvalidValue, a.Elem, describe(item))
		}
		if err := e.value(item); err != nil {
			return err
		}
	}
	n := len(e.buf) - start
	if n > MaxArraySize {
		return fmt.Errorf("%w: array of %d bytes exceeds limit", ErrInvalidValue, n)
	}
	e.order.PutUint32(e.buf[lengthAt:], uint32(n))
	return nil
}

func (e *encoder) structure(s Struct) error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: empty struct", ErrInvalidValue)
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	for _, f := range s.Fields {
		if err := e.value(f); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) dictEntry(d DictEntry) error {
	if d.Key == nil || d.Value == nil {
		return fmt.Errorf("%w: incomplete dict entry", ErrInvalidValue)
	}
	if !isBasic(d.Key.Signature()[0]) {
		return fmt.Errorf("%w: dict key %q is not basic", ErrInvalidValue, d.Key.Signature())
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()
	if err := e.value(d.Key); err != nil {
		return err
	}
	return e.value(d.Value)
}

func describe(v Value) string {
	if v == nil {
		return "nil"
	}
	return string(v.Signature())
}
