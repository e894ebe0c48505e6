package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jmylchreest/minibus/internal/wire"
)

// basicTypes maps dbus-send type names and single-letter codes to the wire
// type code.
var basicTypes = map[string]byte{
	"byte": 'y', "y": 'y',
	"boolean": 'b', "bool": 'b', "b": 'b',
	"int16": 'n', "n": 'n',
	"uint16": 'q', "q": 'q',
	"int32": 'i', "i": 'i',
	"uint32": 'u', "u": 'u',
	"int64": 'x', "x": 'x',
	"uint64": 't', "t": 't',
	"double": 'd', "d": 'd',
	"string": 's', "s": 's',
	"objpath": 'o', "o": 'o',
	"signature": 'g', "g": 'g',
}

// parseArgs converts command-line arguments of the form TYPE:VALUE into
// message body values. "array:TYPE:a,b,c" builds an array of a basic type
// and "variant:TYPE:VALUE" wraps one.
func parseArgs(args []string) ([]wire.Value, error) {
	values := make([]wire.Value, 0, len(args))
	for _, arg := range args {
		v, err := parseArg(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func parseArg(arg string) (wire.Value, error) {
	kind, rest, ok := strings.Cut(arg, ":")
	if !ok {
		return nil, fmt.Errorf("expected TYPE:VALUE")
	}
	switch kind {
	case "array", "a":
		elem, items, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("expected array:TYPE:VALUES")
		}
		code, ok := basicTypes[elem]
		if !ok {
			return nil, fmt.Errorf("unsupported array element type %q", elem)
		}
		a := wire.Array{Elem: wire.Signature(string(code))}
		if items == "" {
			return a, nil
		}
		for _, item := range strings.Split(items, ",") {
			v, err := parseBasic(code, item)
			if err != nil {
				return nil, err
			}
			a.Items = append(a.Items, v)
		}
		return a, nil
	case "variant", "v":
		inner, err := parseArg(rest)
		if err != nil {
			return nil, err
		}
		return wire.MakeVariant(inner), nil
	}
	code, ok := basicTypes[kind]
	if !ok {
		return nil, fmt.Errorf("unknown type %q", kind)
	}
	return parseBasic(code, rest)
}

func parseBasic(code byte, s string) (wire.Value, error) {
	switch code {
	case 'y':
		n, err := strconv.ParseUint(s, 0, 8)
		return wire.Byte(n), err
	case 'b':
		b, err := strconv.ParseBool(s)
		return wire.Bool(b), err
	case 'n':
		n, err := strconv.ParseInt(s, 0, 16)
		return wire.Int16(n), err
	case 'q':
		n, err := strconv.ParseUint(s, 0, 16)
		return wire.Uint16(n), err
	case 'i':
		n, err := strconv.ParseInt(s, 0, 32)
		return wire.Int32(n), err
	case 'u':
		n, err := strconv.ParseUint(s, 0, 32)
		return wire.Uint32(n), err
	case 'x':
		n, err := strconv.ParseInt(s, 0, 64)
		return wire.Int64(n), err
	case 't':
		n, err := strconv.ParseUint(s, 0, 64)
		return wire.Uint64(n), err
	case 'd':
		f, err := strconv.ParseFloat(s, 64)
		return wire.Double(f), err
	case 'o':
		if !wire.ValidObjectPath(s) {
			return nil, fmt.Errorf("invalid object path %q", s)
		}
		return wire.ObjectPath(s), nil
	case 'g':
		sig := wire.Signature(s)
		if err := sig.Validate(); err != nil {
			return nil, err
		}
		return sig, nil
	}
	return wire.String(s), nil
}

// splitMember splits "org.example.Iface.Member" into interface and member.
func splitMember(s string) (iface, member string, err error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("expected INTERFACE.MEMBER, got %q", s)
	}
	iface, member = s[:i], s[i+1:]
	if !wire.ValidInterface(iface) {
		return "", "", fmt.Errorf("invalid interface %q", iface)
	}
	if !wire.ValidMember(member) {
		return "", "", fmt.Errorf("invalid member %q", member)
	}
	return iface, member, nil
}
