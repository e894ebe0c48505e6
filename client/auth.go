package client

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrAuthRejected is returned by Connect when the bus refuses every
// mechanism the client offered.
var ErrAuthRejected = errors.New("authentication rejected")

const maxAuthLine = 16 * 1024

// authenticate runs the SASL exchange up to, but not including, BEGIN and
// returns the server GUID.
func (c *Conn) authenticate(r *bufio.Reader, w io.Writer) (string, error) {
	uid := hex.EncodeToString([]byte(strconv.Itoa(c.uid)))
	if _, err := io.WriteString(w, "\x00AUTH EXTERNAL "+uid+"\r\n"); err != nil {
		return "", fmt.Errorf("write auth: %w", err)
	}
	cmd, arg, err := readAuthLine(r)
	if err != nil {
		return "", err
	}
	if cmd == "OK" {
		c.mechanism = "EXTERNAL"
		return arg, nil
	}
	if cmd != "REJECTED" {
		return "", fmt.Errorf("%w: unexpected reply %q", ErrAuthRejected, cmd)
	}
	if !c.anonymous || !offers(arg, "ANONYMOUS") {
		return "", fmt.Errorf("%w: server offers %q", ErrAuthRejected, arg)
	}

	trace := hex.EncodeToString([]byte("minibus"))
	if _, err := io.WriteString(w, "AUTH ANONYMOUS "+trace+"\r\n"); err != nil {
		return "", fmt.Errorf("write auth: %w", err)
	}
	cmd, arg, err = readAuthLine(r)
	if err != nil {
		return "", err
	}
	if cmd != "OK" {
		return "", fmt.Errorf("%w: ANONYMOUS answered %q", ErrAuthRejected, cmd)
	}
	c.mechanism = "ANONYMOUS"
	return arg, nil
}

func offers(mechanisms, mech string) bool {
	for _, m := range strings.Fields(mechanisms) {
		if m == mech {
			return true
		}
	}
	return false
}

func readAuthLine(r *bufio.Reader) (string, string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", "", fmt.Errorf("read auth reply: %w", err)
		}
		line = append(line, chunk...)
		if len(line) > maxAuthLine {
			return "", "", errors.New("auth reply line too long")
		}
		if !isPrefix {
			break
		}
	}
	cmd, arg, _ := strings.Cut(strings.TrimRight(string(line), "\r"), " ")
	return cmd, arg, nil
}
