package wire

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSignature is returned for signatures that violate the type grammar.
var ErrInvalidSignature = errors.New("invalid signature")

// Signature is a D-Bus type signature such as "a{sv}" or "(ii)".
// It is also the value type for SIGNATURE ("g") arguments.
type Signature string

// Signature returns the type code of a signature value.
func (Signature) Signature() Signature { return "g" }

func (Signature) isValue() {}

// Validate checks the signature against the D-Bus type grammar.
func (s Signature) Validate() error {
	_, err := s.Types()
	return err
}

// Types splits the signature into its single complete types.
func (s Signature) Types() ([]Signature, error) {
	if len(s) > MaxSignatureLength {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidSignature, len(s), MaxSignatureLength)
	}
	var types []Signature
	rest := string(s)
	for rest != "" {
		single, remainder, err := nextType(rest, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidSignature, string(s), err)
		}
		types = append(types, Signature(single))
		rest = remainder
	}
	return types, nil
}

// nextType returns the first complete type in sig and what follows it.
func nextType(sig string, arrayDepth, structDepth int) (string, string, error) {
	if sig == "" {
		return "", "", errors.New("missing type")
	}
	c := sig[0]
	switch {
	case isBasic(c) || c == 'v':
		return sig[:1], sig[1:], nil
	case c == 'a':
		if arrayDepth+1 > maxContainerDepth {
			return "", "", errors.New("array nesting too deep")
		}
		if len(sig) > 1 && sig[1] == '{' {
			elem, rest, err := dictEntryType(sig[1:], arrayDepth+1, structDepth)
			if err != nil {
				return "", "", err
			}
			return "a" + elem, rest, nil
		}
		elem, rest, err := nextType(sig[1:], arrayDepth+1, structDepth)
		if err != nil {
			return "", "", err
		}
		return "a" + elem, rest, nil
	case c == '(':
		if structDepth+1 > maxContainerDepth {
			return "", "", errors.New("struct nesting too deep")
		}
		rest := sig[1:]
		var b strings.Builder
		b.WriteByte('(')
		members := 0
		for {
			if rest == "" {
				return "", "", errors.New("unterminated struct")
			}
			if rest[0] == ')' {
				break
			}
			member, remainder, err := nextType(rest, arrayDepth, structDepth+1)
			if err != nil {
				return "", "", err
			}
			b.WriteString(member)
			rest = remainder
			members++
		}
		if members == 0 {
			return "", "", errors.New("empty struct")
		}
		b.WriteByte(')')
		return b.String(), rest[1:], nil
	case c == '{':
		return "", "", errors.New("dict entry outside array")
	default:
		return "", "", fmt.Errorf("unknown type code %q", c)
	}
}

// dictEntryType parses "{kv}" where k is a basic type.
func dictEntryType(sig string, arrayDepth, structDepth int) (string, string, error) {
	if structDepth+1 > maxContainerDepth {
		return "", "", errors.New("struct nesting too deep")
	}
	rest := sig[1:]
	if rest == "" || !isBasic(rest[0]) {
		return "", "", errors.New("dict entry key must be a basic type")
	}
	key := rest[:1]
	value, remainder, err := nextType(rest[1:], arrayDepth, structDepth+1)
	if err != nil {
		return "", "", err
	}
	if remainder == "" || remainder[0] != '}' {
		return "", "", errors.New("dict entry must have exactly two members")
	}
	return "{" + key + value + "}", remainder[1:], nil
}

func isBasic(c byte) bool {
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// alignment returns the wire alignment of the type starting with c.
func alignment(c byte) int {
	switch c {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}

// Alignment returns the wire alignment of the first type in the signature.
func (s Signature) Alignment() int {
	if s == "" {
		return 1
	}
	return alignment(s[0])
}
