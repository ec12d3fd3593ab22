// Package dispatch routes inbound tunnel frames to the handler registered for
// their type and owns the single inbound read loop of a connection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/tunnelproto"
)

// ErrDuplicateHandler is returned when a frame type already has a handler.
var ErrDuplicateHandler = errors.New("frame type already has a handler")

// Dispatchable handles frames of exactly one type.
type Dispatchable interface {
	Dispatch(ctx context.Context, f *tunnelproto.Frame) error
}

// HandlerFunc adapts a function to [Dispatchable].
type HandlerFunc func(ctx context.Context, f *tunnelproto.Frame) error

func (fn HandlerFunc) Dispatch(ctx context.Context, f *tunnelproto.Frame) error {
	return fn(ctx, f)
}

// FramingError reports a frame whose envelope or payload violates the
// protocol for its declared type. It is the only handler error that reaches
// the caller of [Dispatcher.Dispatch].
type FramingError struct {
	Type tunnelproto.Type
	Err  error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error on %s: %v", e.Type, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Framing wraps err as a [FramingError] for frame type t.
func Framing(t tunnelproto.Type, err error) error {
	return &FramingError{Type: t, Err: err}
}

// IsFraming reports whether err is a protocol violation rather than a
// business or I/O failure.
func IsFraming(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe) || errors.Is(err, tunnelproto.ErrMalformedFrame)
}

// Dispatcher holds the frame type to handler map of one connection. Handlers
// are registered before the read loop starts; Register must not be called
// concurrently with Dispatch.
type Dispatcher struct {
	handlers map[tunnelproto.Type]Dispatchable
	log      *slog.Logger
}

// New returns an empty dispatcher.
func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[tunnelproto.Type]Dispatchable),
		log:      ilog.Component(log, "dispatch"),
	}
}

// Register binds h to frame type t.
func (d *Dispatcher) Register(t tunnelproto.Type, h Dispatchable) error {
	if h == nil {
		return fmt.Errorf("register %s: nil handler", t)
	}
	if _, ok := d.handlers[t]; ok {
		return fmt.Errorf("register %s: %w", t, ErrDuplicateHandler)
	}
	d.handlers[t] = h
	return nil
}

// Dispatch hands f to its handler. Frames with no handler or no payload are
// dropped. A [FramingError] from the handler is returned; every other error,
// and any panic, is logged and swallowed so one faulty exchange cannot bring
// down the shared connection.
func (d *Dispatcher) Dispatch(ctx context.Context, f *tunnelproto.Frame) (err error) {
	if f == nil {
		return nil
	}
	h, ok := d.handlers[f.Type]
	if !ok {
		d.log.Info("dropping frame with no handler", "type", f.Type.String(), "seq", f.Sequence)
		return nil
	}
	if len(f.Payload) == 0 {
		d.log.Info("dropping frame without payload", "type", f.Type.String(), "seq", f.Sequence)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("frame handler panicked", "type", f.Type.String(), "seq", f.Sequence, "panic", r, "stack", string(debug.Stack()))
			err = nil
		}
	}()

	herr := h.Dispatch(ctx, f)
	if herr == nil {
		return nil
	}
	if IsFraming(herr) {
		var fe *FramingError
		if errors.As(herr, &fe) {
			return fe
		}
		return Framing(f.Type, herr)
	}
	d.log.Warn("frame handler failed", "type", f.Type.String(), "seq", f.Sequence, "err", herr)
	return nil
}
