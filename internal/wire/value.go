package wire

import "strings"

// Value is one typed D-Bus argument. The set of implementations is closed:
// only the types in this package satisfy it, so the codec's type switches
// are exhaustive.
type Value interface {
	// Signature returns the single complete type of the value.
	Signature() Signature
	isValue()
}

type (
	Byte       byte
	Bool       bool
	Int16      int16
	Uint16     uint16
	Int32      int32
	Uint32     uint32
	Int64      int64
	Uint64     uint64
	Double     float64
	String     string
	ObjectPath string
	// UnixFD is an index into the out-of-band file descriptor list.
	UnixFD uint32
)

// Array is a homogeneous sequence. Elem is required so that empty arrays
// still carry a type.
type Array struct {
	Elem  Signature
	Items []Value
}

// Struct is an ordered, non-empty group of values.
type Struct struct {
	Fields []Value
}

// DictEntry is a key/value pair. It only appears as an Array item.
type DictEntry struct {
	Key   Value
	Value Value
}

// Variant wraps a value together with its own signature.
type Variant struct {
	Value Value
}

func (Byte) Signature() Signature       { return "y" }
func (Bool) Signature() Signature       { return "b" }
func (Int16) Signature() Signature      { return "n" }
func (Uint16) Signature() Signature     { return "q" }
func (Int32) Signature() Signature      { return "i" }
func (Uint32) Signature() Signature     { return "u" }
func (Int64) Signature() Signature      { return "x" }
func (Uint64) Signature() Signature     { return "t" }
func (Double) Signature() Signature     { return "d" }
func (String) Signature() Signature     { return "s" }
func (ObjectPath) Signature() Signature { return "o" }
func (UnixFD) Signature() Signature     { return "h" }
func (Variant) Signature() Signature    { return "v" }

func (a Array) Signature() Signature { return "a" + a.Elem }

func (s Struct) Signature() Signature {
	var b strings.Builder
	b.WriteByte('(')
	for _, f := range s.Fields {
		b.WriteString(string(signatureOf(f)))
	}
	b.WriteByte(')')
	return Signature(b.String())
}

func (d DictEntry) Signature() Signature {
	return "{" + signatureOf(d.Key) + signatureOf(d.Value) + "}"
}

// signatureOf is v.Signature, or empty for a missing member.
func signatureOf(v Value) Signature {
	if v == nil {
		return ""
	}
	return v.Signature()
}

func (Byte) isValue()       {}
func (Bool) isValue()       {}
func (Int16) isValue()      {}
func (Uint16) isValue()     {}
func (Int32) isValue()      {}
func (Uint32) isValue()     {}
func (Int64) isValue()      {}
func (Uint64) isValue()     {}
func (Double) isValue()     {}
func (String) isValue()     {}
func (ObjectPath) isValue() {}
func (UnixFD) isValue()     {}
func (Array) isValue()      {}
func (Struct) isValue()     {}
func (DictEntry) isValue()  {}
func (Variant) isValue()    {}

// SignatureOf concatenates the signatures of values.
func SignatureOf(values ...Value) Signature {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(string(signatureOf(v)))
	}
	return Signature(b.String())
}

// MakeVariant wraps v in a Variant.
func MakeVariant(v Value) Variant {
	return Variant{Value: v}
}

// StringArray builds an "as" array.
func StringArray(items []string) Array {
	a := Array{Elem: "s"}
	for _, s := range items {
		a.Items = append(a.Items, String(s))
	}
	return a
}

// Strings extracts the elements of an "as" array.
func Strings(v Value) ([]string, bool) {
	a, ok := v.(Array)
	if !ok || a.Elem != "s" {
		return nil, false
	}
	out := make([]string, 0, len(a.Items))
	for _, item := range a.Items {
		s, ok := item.(String)
		if !ok {
			return nil, false
		}
		out = append(out, string(s))
	}
	return out, true
}

// Dict builds an "a{kv}" array from entries whose keys and values share the
// given signatures.
func Dict(key, value Signature, entries ...DictEntry) Array {
	a := Array{Elem: "{" + key + value + "}"}
	for _, e := range entries {
		a.Items = append(a.Items, e)
	}
	return a
}

// Native converts a Value into plain Go values for display: arrays become
// slices, dictionaries become maps keyed by the key's string form, structs
// become slices, and variants are unwrapped.
func Native(v Value) any {
	switch x := v.(type) {
	case Byte:
		return byte(x)
	case Bool:
		return bool(x)
	case Int16:
		return int16(x)
	case Uint16:
		return uint16(x)
	case Int32:
		return int32(x)
	case Uint32:
		return uint32(x)
	case Int64:
		return int64(x)
	case Uint64:
		return uint64(x)
	case Double:
		return float64(x)
	case String:
		return string(x)
	case ObjectPath:
		return string(x)
	case Signature:
		return string(x)
	case UnixFD:
		return uint32(x)
	case Variant:
		if x.Value == nil {
			return nil
		}
		return Native(x.Value)
	case Struct:
		out := make([]any, 0, len(x.Fields))
		for _, f := range x.Fields {
			out = append(out, Native(f))
		}
		return out
	case DictEntry:
		return []any{Native(x.Key), Native(x.Value)}
	case Array:
		if strings.HasPrefix(string(x.Elem), "{") {
			out := make(map[string]any, len(x.Items))
			for _, item := range x.Items {
				if e, ok := item.(DictEntry); ok {
					out[nativeKey(e.Key)] = Native(e.Value)
				}
			}
			return out
		}
		out := make([]any, 0, len(x.Items))
		for _, item := range x.Items {
			out = append(out, Native(item))
		}
		return out
	}
	return nil
}

func nativeKey(v Value) string {
	switch k := v.(type) {
	case String:
		return string(k)
	case ObjectPath:
		return string(k)
	case Signature:
		return string(k)
	}
	return Format(v)
}
