package wire

import (
	"strconv"
	"strings"
)

// Format renders a value the way dbus-monitor prints arguments.
func Format(v Value) string {
	var b strings.Builder
	format(&b, v)
	return b.String()
}

func format(b *strings.Builder, v Value) {
	switch x := v.(type) {
	case Byte:
		b.WriteString("byte " + strconv.FormatUint(uint64(x), 10))
	case Bool:
		b.WriteString("boolean " + strconv.FormatBool(bool(x)))
	case Int16:
		b.WriteString("int16 " + strconv.FormatInt(int64(x), 10))
	case Uint16:
		b.WriteString("uint16 " + strconv.FormatUint(uint64(x), 10))
	case Int32:
		b.WriteString("int32 " + strconv.FormatInt(int64(x), 10))
	case Uint32:
		b.WriteString("uint32 " + strconv.FormatUint(uint64(x), 10))
	case Int64:
		b.WriteString("int64 " + strconv.FormatInt(int64(x), 10))
	case Uint64:
		b.WriteString("uint64 " + strconv.FormatUint(uint64(x), 10))
	case Double:
		b.WriteString("double " + strconv.FormatFloat(float64(x), 'g', -1, 64))
	case String:
		b.WriteString("string " + strconv.Quote(string(x)))
	case ObjectPath:
		b.WriteString("object path " + strconv.Quote(string(x)))
	case Signature:
		b.WriteString("signature " + strconv.Quote(string(x)))
	case UnixFD:
		b.WriteString("file descriptor " + strconv.FormatUint(uint64(x), 10))
	case Variant:
		b.WriteString("variant ")
		if x.Value != nil {
			format(b, x.Value)
		}
	case Array:
		b.WriteString("array [")
		for i, item := range x.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, item)
		}
		b.WriteString("]")
	case Struct:
		b.WriteString("struct {")
		for i, f := range x.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, f)
		}
		b.WriteString("}")
	case DictEntry:
		b.WriteString("dict entry(")
		format(b, x.Key)
		b.WriteString(", ")
		format(b, x.Value)
		b.WriteString(")")
	default:
		b.WriteString("<nil>")
	}
}
