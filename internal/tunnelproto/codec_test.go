package tunnelproto

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	in := []*Frame{
		{Type: TypeHealthCheck, Sequence: 7, SessionID: "s-1", Payload: []byte("probe")},
		{Type: TypeSocketData, Sequence: 8, Payload: []byte{0, 1, 2, 0xff}},
		{Type: Type(99), Sequence: 9, Payload: []byte("from the future")},
	}
	for _, f := range in {
		require.NoError(t, WriteFrame(&buf, f))
	}

	for _, want := range in {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsBadHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Type: TypeFetchRequest, Payload: []byte("x")}))
	raw := buf.Bytes()

	badStart := append([]byte(nil), raw...)
	badStart[0] = '#'
	_, err := ReadFrame(bytes.NewReader(badStart))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	badMagic := append([]byte(nil), raw...)
	badMagic[3] = 'X'
	_, err = ReadFrame(bytes.NewReader(badMagic))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ReadFrame(bytes.NewReader(raw[:len(raw)-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	header := make([]byte, headerSize)
	header[0] = frameStart
	copy(header[1:], frameMagic[:])
	binary.BigEndian.PutUint32(header[17:], MaxFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestWriteFrameRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	err := WriteFrame(io.Discard, &Frame{Type: TypeSocketData, Payload: make([]byte, MaxFrameSize)})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestUnmarshalStrictSeparatesSocketMessages(t *testing.T) {
	t.Parallel()

	data, err := Marshal(SocketSessionData{Handle: "h1", Offset: 4, Data: []byte("abc")})
	require.NoError(t, err)
	req, err := Marshal(SocketSessionRequest{Handle: "h1", Verb: VerbConnect})
	require.NoError(t, err)

	var gotData SocketSessionData
	require.NoError(t, UnmarshalStrict(data, &gotData))
	assert.Equal(t, int64(4), gotData.Offset)
	assert.Error(t, UnmarshalStrict(req, &gotData))

	var gotReq SocketSessionRequest
	require.NoError(t, UnmarshalStrict(req, &gotReq))
	assert.Equal(t, VerbConnect, gotReq.Verb)
	assert.Error(t, UnmarshalStrict(data, &gotReq))

	var lenient SocketSessionRequest
	assert.NoError(t, Unmarshal(data, &lenient))
}

func TestTypeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SOCKET_DATA", TypeSocketData.String())
	assert.Equal(t, "TYPE_42", Type(42).String())
	assert.True(t, TypeHealthCheck.Control())
	assert.False(t, TypeSocketData.Control())
}
