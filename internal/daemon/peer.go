package daemon

import (
	"net"
	"sync"
	"time"

	"github.com/jmylchreest/minibus/internal/connection"
)

const readBufferSize = 64 * 1024

// peer couples a connection's protocol state with its socket. conn, gone
// and overflowed belong to the daemon loop; the socket belongs to the
// reader and writer goroutines.
type peer struct {
	conn *connection.Conn
	sock *net.UnixConn
	out  chan []byte

	gone       bool
	overflowed bool

	closeOnce sync.Once
}

func newPeer(conn *connection.Conn, sock *net.UnixConn, queue int) *peer {
	return &peer{
		conn: conn,
		sock: sock,
		out:  make(chan []byte, queue),
	}
}

// shutdown stops accepting frames. The writer flushes what is queued and
// then closes the socket, which in turn ends the reader.
func (p *peer) shutdown() {
	p.closeOnce.Do(func() { close(p.out) })
}

// readLoop copies socket input to onData until the socket fails.
func (p *peer) readLoop(onData func([]byte), onError func(error)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.sock.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			onData(data)
		}
		if err != nil {
			onError(err)
			return
		}
	}
}

// writeLoop drains the outbound queue onto the socket. After a write error
// the remaining frames are discarded until the loop closes the queue.
func (p *peer) writeLoop(timeout time.Duration, onError func(error)) {
	defer p.sock.Close()

	failed := false
	for frame := range p.out {
		if failed {
			continue
		}
		if timeout > 0 {
			_ = p.sock.SetWriteDeadline(time.Now().Add(timeout))
		}
		if _, err := p.sock.Write(frame); err != nil {
			failed = true
			onError(err)
		}
	}
}
