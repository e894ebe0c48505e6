package daemon

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmylchreest/minibus/internal/wire"
)

// MatchRule is a parsed match rule. The bus does not filter on rules; they
// are parsed so malformed ones can be refused.
type MatchRule map[string]string

// ParseMatchRule parses a comma separated list of key='value' pairs. Inside
// single quotes every byte is literal; outside, \' is a literal quote.
func ParseMatchRule(rule string) (MatchRule, error) {
	out := make(MatchRule)
	i := 0
	for i < len(rule) {
		eq := strings.IndexByte(rule[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("match rule %q: missing '=' after %q", rule, rule[i:])
		}
		key := strings.TrimSpace(rule[i : i+eq])
		i += eq + 1

		var value strings.Builder
		quoted := false
	scan:
		for ; i < len(rule); i++ {
			c := rule[i]
			switch {
			case c == '\'':
				quoted = !quoted
			case !quoted && c == '\\' && i+1 < len(rule) && rule[i+1] == '\'':
				value.WriteByte('\'')
				i++
			case !quoted && c == ',':
				break scan
			default:
				value.WriteByte(c)
			}
		}
		if quoted {
			return nil, fmt.Errorf("match rule %q: unterminated quote", rule)
		}
		if i < len(rule) {
			i++
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("match rule %q: key %q repeated", rule, key)
		}
		if err := checkMatchKey(key, value.String()); err != nil {
			return nil, fmt.Errorf("match rule %q: %w", rule, err)
		}
		out[key] = value.String()
	}
	return out, nil
}

func validateMatchRule(rule string) error {
	_, err := ParseMatchRule(rule)
	return err
}

func checkMatchKey(key, value string) error {
	switch key {
	case "type":
		switch value {
		case "signal", "method_call", "method_return", "error":
			return nil
		}
		return fmt.Errorf("unknown message type %q", value)
	case "sender", "destination":
		if !wire.ValidBusName(value) {
			return fmt.Errorf("invalid bus name %q for %s", value, key)
		}
	case "interface":
		if !wire.ValidInterface(value) {
			return fmt.Errorf("invalid interface %q", value)
		}
	case "member":
		if !wire.ValidMember(value) {
			return fmt.Errorf("invalid member %q", value)
		}
	case "path", "path_namespace":
		if !wire.ValidObjectPath(value) {
			return fmt.Errorf("invalid object path %q for %s", value, key)
		}
	case "eavesdrop":
		if value != "true" && value != "false" {
			return fmt.Errorf("eavesdrop must be true or false, got %q", value)
		}
	default:
		return checkArgKey(key)
	}
	return nil
}

// checkArgKey accepts argN, argNpath and arg0namespace for N up to 63.
func checkArgKey(key string) error {
	rest, ok := strings.CutPrefix(key, "arg")
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	digits := rest
	suffix := ""
	for i, c := range rest {
		if c < '0' || c > '9' {
			digits, suffix = rest[:i], rest[i:]
			break
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n > 63 {
		return fmt.Errorf("invalid argument key %q", key)
	}
	switch suffix {
	case "", "path":
		return nil
	case "namespace":
		if n == 0 {
			return nil
		}
	}
	return errors.New("invalid argument key " + strconv.Quote(key))
}
