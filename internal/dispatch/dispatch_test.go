package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/connector/internal/tunnelproto"
)

type recorder struct {
	frames []*tunnelproto.Frame
	err    error
}

func (r *recorder) Dispatch(_ context.Context, f *tunnelproto.Frame) error {
	r.frames = append(r.frames, f)
	return r.err
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	d := New(nil)
	require.NoError(t, d.Register(tunnelproto.TypeHealthCheck, &recorder{}))
	assert.ErrorIs(t, d.Register(tunnelproto.TypeHealthCheck, &recorder{}), ErrDuplicateHandler)
	assert.Error(t, d.Register(tunnelproto.TypeFetchRequest, nil))
}

func TestDispatchRoutesByType(t *testing.T) {
	t.Parallel()

	d := New(nil)
	health, fetch := &recorder{}, &recorder{}
	require.NoError(t, d.Register(tunnelproto.TypeHealthCheck, health))
	require.NoError(t, d.Register(tunnelproto.TypeFetchRequest, fetch))

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, &tunnelproto.Frame{Type: tunnelproto.TypeHealthCheck, Payload: []byte("h")}))
	require.NoError(t, d.Dispatch(ctx, &tunnelproto.Frame{Type: tunnelproto.TypeFetchRequest, Payload: []byte("f")}))

	require.Len(t, health.frames, 1)
	require.Len(t, fetch.frames, 1)
	assert.Equal(t, []byte("h"), health.frames[0].Payload)
}

func TestDispatchDropsUnknownAndEmptyFrames(t *testing.T) {
	t.Parallel()

	d := New(nil)
	h := &recorder{}
	require.NoError(t, d.Register(tunnelproto.TypeHealthCheck, h))

	ctx := context.Background()
	assert.NoError(t, d.Dispatch(ctx, &tunnelproto.Frame{Type: tunnelproto.Type(200), Payload: []byte("x")}))
	assert.NoError(t, d.Dispatch(ctx, &tunnelproto.Frame{Type: tunnelproto.TypeHealthCheck}))
	assert.NoError(t, d.Dispatch(ctx, nil))
	assert.Empty(t, h.frames)
}

func TestDispatchClassifiesHandlerErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	frame := &tunnelproto.Frame{Type: tunnelproto.TypeSocketSession, Payload: []byte("p")}

	tests := []struct {
		name        string
		handlerErr  error
		wantFraming bool
	}{
		{name: "business error contained", handlerErr: errors.New("dial failed")},
		{name: "framing error propagated", handlerErr: Framing(tunnelproto.TypeSocketSession, errors.New("bad payload")), wantFraming: true},
		{name: "malformed frame propagated", handlerErr: fmt.Errorf("decode: %w", tunnelproto.ErrMalformedFrame), wantFraming: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(nil)
			require.NoError(t, d.Register(tunnelproto.TypeSocketSession, &recorder{err: tt.handlerErr}))
			err := d.Dispatch(ctx, frame)
			if !tt.wantFraming {
				assert.NoError(t, err)
				return
			}
			var fe *FramingError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tunnelproto.TypeSocketSession, fe.Type)
		})
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	t.Parallel()

	d := New(nil)
	require.NoError(t, d.Register(tunnelproto.TypeFetchRequest, HandlerFunc(func(context.Context, *tunnelproto.Frame) error {
		panic("handler bug")
	})))
	assert.NoError(t, d.Dispatch(context.Background(), &tunnelproto.Frame{Type: tunnelproto.TypeFetchRequest, Payload: []byte("x")}))
}

func TestRunDispatchesUntilEOF(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for i := range 5 {
		require.NoError(t, tunnelproto.WriteFrame(&buf, &tunnelproto.Frame{
			Type:     tunnelproto.TypeHealthCheck,
			Sequence: uint64(i),
			Payload:  []byte{byte(i)},
		}))
	}
	require.NoError(t, tunnelproto.WriteFrame(&buf, &tunnelproto.Frame{Type: tunnelproto.Type(77), Sequence: 9, Payload: []byte("new")}))

	d := New(nil)
	h := &recorder{}
	require.NoError(t, d.Register(tunnelproto.TypeHealthCheck, h))

	err := d.Run(context.Background(), &buf, RunOptions{})
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, h.frames, 5)
	for i, f := range h.frames {
		assert.Equal(t, uint64(i), f.Sequence)
	}
}

func TestRunStopsAfterRepeatedFramingErrors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for i := range 4 {
		require.NoError(t, tunnelproto.WriteFrame(&buf, &tunnelproto.Frame{Type: tunnelproto.TypeSocketData, Sequence: uint64(i), Payload: []byte("junk")}))
	}

	d := New(nil)
	h := &recorder{err: Framing(tunnelproto.TypeSocketData, errors.New("junk"))}
	require.NoError(t, d.Register(tunnelproto.TypeSocketData, h))

	err := d.Run(context.Background(), &buf, RunOptions{MaxFramingErrors: 2})
	require.Error(t, err)
	assert.True(t, IsFraming(err))
	assert.Len(t, h.frames, 2)
}

func TestRunFailsOnCorruptStream(t *testing.T) {
	t.Parallel()

	d := New(nil)
	err := d.Run(context.Background(), bytes.NewReader([]byte("garbage that is not a frame")), RunOptions{})
	assert.True(t, IsFraming(err))
}

func TestReadOne(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, tunnelproto.WriteFrame(&buf, &tunnelproto.Frame{Type: tunnelproto.TypeAuthorization, Payload: []byte("ok")}))
	require.NoError(t, tunnelproto.WriteFrame(&buf, &tunnelproto.Frame{Type: tunnelproto.TypeHealthCheck, Payload: []byte("ok")}))

	f, err := ReadOne(&buf, tunnelproto.TypeAuthorization)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), f.Payload)

	_, err = ReadOne(&buf, tunnelproto.TypeAuthorization)
	assert.True(t, IsFraming(err))
}
