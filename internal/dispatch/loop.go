package dispatch

import (
	"context"
	"fmt"
	"io"

	"github.com/koltyakov/connector/internal/tunnelproto"
)

// DefaultMaxFramingErrors is the number of consecutive framing errors after
// which [Dispatcher.Run] gives up on the connection.
const DefaultMaxFramingErrors = 3

// RunOptions tunes [Dispatcher.Run].
type RunOptions struct {
	// MaxFramingErrors caps consecutive framing errors; zero means
	// DefaultMaxFramingErrors.
	MaxFramingErrors int
}

// Run is the connection's single inbound loop: it reads frames from r and
// dispatches them one at a time until the stream ends, ctx is done, or too
// many consecutive framing errors occur. The caller closes the underlying
// connection to unblock a pending read on shutdown.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader, opts RunOptions) error {
	maxErrs := opts.MaxFramingErrors
	if maxErrs <= 0 {
		maxErrs = DefaultMaxFramingErrors
	}

	var next uint64
	started := false
	consecutive := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := tunnelproto.ReadFrame(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsFraming(err) {
				return Framing(tunnelproto.TypeUnknown, err)
			}
			return err
		}

		if started && f.Sequence != next {
			d.log.Warn("frame sequence gap", "expected", next, "got", f.Sequence, "type", f.Type.String())
		}
		started = true
		next = f.Sequence + 1

		if err := d.Dispatch(ctx, f); err != nil {
			consecutive++
			d.log.Warn("framing error", "err", err, "consecutive", consecutive)
			if consecutive >= maxErrs {
				return fmt.Errorf("too many framing errors: %w", err)
			}
			continue
		}
		consecutive = 0
	}
}

// ReadOne reads a single frame of type want before dispatching starts, as the
// authorization handshake does.
func ReadOne(r io.Reader, want tunnelproto.Type) (*tunnelproto.Frame, error) {
	f, err := tunnelproto.ReadFrame(r)
	if err != nil {
		if IsFraming(err) {
			return nil, Framing(want, err)
		}
		return nil, err
	}
	if f.Type != want {
		return nil, Framing(want, fmt.Errorf("expected %s frame, got %s", want, f.Type))
	}
	return f, nil
}
