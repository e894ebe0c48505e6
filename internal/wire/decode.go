package wire

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// errTruncated is returned when a value runs past the end of its buffer.
var errTruncated = errors.New("value truncated")

// decoder reads wire data from buf. As with encoder, buf[0] must sit at an
// 8-byte boundary of the message.
type decoder struct {
	buf   []byte
	pos   int
	order wireOrder
	depth int
}

func newDecoder(order byte, buf []byte) *decoder {
	return &decoder{buf: buf, order: byteOrder(order)}
}

// align skips to the next multiple of n, requiring the padding to be zero.
func (d *decoder) align(n int) error {
	next := (d.pos + n - 1) / n * n
	if next > len(d.buf) {
		return errTruncated
	}
	for i := d.pos; i < next; i++ {
		if d.buf[i] != 0 {
			return fmt.Errorf("non-zero padding at offset %d", i)
		}
	}
	d.pos = next
	return nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, errTruncated
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) uint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	if n > MaxMessageSize {
		return "", errTruncated
	}
	b, err := d.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", errors.New("string not NUL terminated")
	}
	s := b[:n]
	for _, c := range s {
		if c == 0 {
			return "", errors.New("string contains NUL")
		}
	}
	if !utf8.Valid(s) {
		return "", errors.New("string is not valid UTF-8")
	}
	return string(s), nil
}

func (d *decoder) signature() (Signature, error) {
	lb, err := d.take(1)
	if err != nil {
		return "", err
	}
	b, err := d.take(int(lb[0]) + 1)
	if err != nil {
		return "", err
	}
	if b[lb[0]] != 0 {
		return "", errors.New("signature not NUL terminated")
	}
	sig := Signature(b[:lb[0]])
	if err := sig.Validate(); err != nil {
		return "", err
	}
	return sig, nil
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > maxVariantDepth {
		return errors.New("nesting too deep")
	}
	return nil
}

func (d *decoder) leave() { d.depth-- }

// value unmarshals one value of the single complete type sig.
func (d *decoder) value(sig Signature) (Value, error) {
	if sig == "" {
		return nil, errors.New("empty type")
	}
	if err := d.align(sig.Alignment()); err != nil {
		return nil, err
	}
	switch sig[0] {
	case 'y':
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return Byte(b[0]), nil
	case 'b':
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		switch d.order.Uint32(b) {
		case 0:
			return Bool(false), nil
		case 1:
			return Bool(true), nil
		}
		return nil, errors.New("boolean out of range")
	case 'n', 'q':
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		v := d.order.Uint16(b)
		if sig[0] == 'n' {
			return Int16(v), nil
		}
		return Uint16(v), nil
	case 'i', 'u', 'h':
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		v := d.order.Uint32(b)
		switch sig[0] {
		case 'i':
			return Int32(v), nil
		case 'h':
			return UnixFD(v), nil
		}
		return Uint32(v), nil
	case 'x', 't', 'd':
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		v := d.order.Uint64(b)
		switch sig[0] {
		case 'x':
			return Int64(v), nil
		case 'd':
			return Double(math.Float64frombits(v)), nil
		}
		return Uint64(v), nil
	case 's':
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		return String(s), nil
	case 'o':
		s, err := d.str()
		if err != nil {
			return nil, err
		}
		if !ValidObjectPath(s) {
			return nil, fmt.Errorf("bad object path %q", s)
		}
		return ObjectPath(s), nil
	case 'g':
		return d.signature()
	case 'v':
		return d.variant()
	case 'a':
		return d.array(sig[1:])
	case '(':
		return d.structure(sig)
	case '{':
		return d.dictEntry(sig)
	}
	return nil, fmt.Errorf("unknown type code %q", sig[0])
}

func (d *decoder) variant() (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()
	sig, err := d.signature()
	if err != nil {
		return nil, err
	}
	types, err := sig.Types()
	if err != nil {
		return nil, err
	}
	if len(types) != 1 {
		return nil, fmt.Errorf("variant signature %q is not a single type", sig)
	}
	v, err := d.value(sig)
	if err != nil {
		return nil, err
	}
	return Variant{Value: v}, nil
}

func (d *decoder) array(elem Signature) (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if n > MaxArraySize {
		return nil, fmt.Errorf("array length %d exceeds limit", n)
	}
	if err := d.align(elem.Alignment()); err != nil {
		return nil, err
	}
	end := d.pos + int(n)
	if end > len(d.buf) {
		return nil, errTruncated
	}
	a := Array{Elem: elem}
	for d.pos < end {
		item, err := d.value(elem)
		if err != nil {
			return nil, err
		}
		a.Items = append(a.Items, item)
	}
	if d.pos != end {
		return nil, errors.New("array elements overrun declared length")
	}
	return a, nil
}

func (d *decoder) structure(sig Signature) (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()
	members, err := Signature(sig[1 : len(sig)-1]).Types()
	if err != nil {
		return nil, err
	}
	s := Struct{Fields: make([]Value, 0, len(members))}
	for _, m := range members {
		v, err := d.value(m)
		if err != nil {
			return nil, err
		}
		s.Fields = append(s.Fields, v)
	}
	return s, nil
}

func (d *decoder) dictEntry(sig Signature) (Value, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()
	key, err := d.value(sig[1:2])
	if err != nil {
		return nil, err
	}
	val, err := d.value(sig[2 : len(sig)-1])
	if err != nil {
		return nil, err
	}
	return DictEntry{Key: key, Value: val}, nil
}
