package client

import (
	"log/slog"
	"time"
)

// DefaultTimeout bounds Call when the context has no deadline.
const DefaultTimeout = 25 * time.Second

// Option configures a Conn.
type Option func(*Conn)

// WithTimeout sets the default call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAnonymous lets Connect fall back to ANONYMOUS when EXTERNAL is
// rejected.
func WithAnonymous() Option {
	return func(c *Conn) {
		c.anonymous = true
	}
}

// WithLogger sets the logger used for dropped frames and reader errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUID overrides the uid sent with AUTH EXTERNAL.
func WithUID(uid int) Option {
	return func(c *Conn) {
		c.uid = uid
	}
}
