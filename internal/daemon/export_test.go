package daemon

import (
	"context"

	"github.com/jmylchreest/minibus/internal/wire"
)

// SetEncoder swaps the frame encoder of a running daemon.
func (d *Daemon) SetEncoder(ctx context.Context, encode func(*wire.Message) ([]byte, error)) error {
	return d.do(ctx, func() { d.encode = encode })
}
