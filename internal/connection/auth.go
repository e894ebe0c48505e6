package connection

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// authState is the SASL sub-state while WaitingForAuth.
type authState int

const (
	authWaitingForAuth authState = iota
	authWaitingForData
	authWaitingForBegin
)

const (
	mechExternal  = "EXTERNAL"
	mechAnonymous = "ANONYMOUS"
)

// mechanisms lists what REJECTED advertises.
func (c *Conn) mechanisms() string {
	if c.opts.AllowAnonymous {
		return mechExternal + " " + mechAnonymous
	}
	return mechExternal
}

// feedAuth consumes complete auth lines one at a time. After BEGIN the
// state moves on and any remaining bytes are left for frame decoding.
func (c *Conn) feedAuth(out *Output) error {
	if !c.started && len(c.buf) > 0 {
		c.started = true
		if c.buf[0] == 0 {
			c.buf = c.buf[1:]
		}
	}

	for c.state == WaitingForAuth {
		end := bytes.IndexByte(c.buf, '\n')
		if end < 0 {
			if len(c.buf) > MaxAuthLine {
				return c.fail("auth line too long", nil)
			}
			return nil
		}
		raw := c.buf[:end]
		c.buf = c.buf[end+1:]
		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		if len(raw) > MaxAuthLine {
			return c.fail("auth line too long", nil)
		}
		for _, b := range raw {
			if b < 0x20 || b > 0x7e {
				return c.fail(fmt.Sprintf("non-ASCII byte 0x%02x in auth line", b), nil)
			}
		}
		if err := c.authCommand(string(raw), out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) authCommand(line string, out *Output) error {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "AUTH":
		if c.auth != authWaitingForAuth {
			return c.reject(out)
		}
		return c.authStart(arg, out)
	case "DATA":
		if c.auth != authWaitingForData {
			out.Lines = append(out.Lines, "ERROR")
			return nil
		}
		return c.authExternal(arg, out)
	case "CANCEL", "ERROR":
		return c.reject(out)
	case "BEGIN":
		if c.auth != authWaitingForBegin {
			return c.fail("BEGIN before authentication", nil)
		}
		c.state = WaitingForHello
		return nil
	case "NEGOTIATE_UNIX_FD":
		out.Lines = append(out.Lines, "ERROR Unix fd passing is not supported")
		return nil
	default:
		return c.fail(fmt.Sprintf("unknown auth command %q", cmd), nil)
	}
}

func (c *Conn) authStart(arg string, out *Output) error {
	mech, initial, hasInitial := strings.Cut(arg, " ")
	switch mech {
	case mechExternal:
		c.mechanism = mechExternal
		if !hasInitial {
			c.auth = authWaitingForData
			out.Lines = append(out.Lines, "DATA")
			return nil
		}
		return c.authExternal(initial, out)
	case mechAnonymous:
		if !c.opts.AllowAnonymous {
			return c.reject(out)
		}
		c.mechanism = mechAnonymous
		c.anonymous = true
		c.accept(out)
		return nil
	default:
		// Covers a bare AUTH as well as unsupported mechanisms.
		return c.reject(out)
	}
}

// authExternal checks a hex-encoded decimal uid against the peer
// credentials. An empty response means "use my socket credentials".
func (c *Conn) authExternal(response string, out *Output) error {
	cred, known := c.Credentials()
	if response == "" {
		if !known {
			return c.reject(out)
		}
		c.authUID = cred.UID
		c.accept(out)
		return nil
	}

	decoded, err := hex.DecodeString(response)
	if err != nil {
		return c.reject(out)
	}
	uid, err := strconv.ParseUint(string(decoded), 10, 32)
	if err != nil {
		return c.reject(out)
	}
	if known && uint32(uid) != cred.UID {
		return c.reject(out)
	}
	c.authUID = uint32(uid)
	c.accept(out)
	return nil
}

func (c *Conn) accept(out *Output) {
	c.auth = authWaitingForBegin
	out.Lines = append(out.Lines, "OK "+c.opts.GUID)
}

func (c *Conn) reject(out *Output) error {
	c.auth = authWaitingForAuth
	c.mechanism = ""
	c.anonymous = false
	c.rejections++
	out.Lines = append(out.Lines, "REJECTED "+c.mechanisms())
	if c.rejections >= MaxAuthRejections {
		return c.fail("too many rejected auth attempts", nil)
	}
	return nil
}
