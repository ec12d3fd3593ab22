package tunnelproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the encoded envelope body of one frame.
const MaxFrameSize = 1 << 20

const frameStart byte = '*'

var frameMagic = [8]byte{'b', 'e', 'e', 'f', 'c', 'a', 'k', 'e'}

// headerSize is start byte + magic + sequence + body length.
const headerSize = 1 + len(frameMagic) + 8 + 4

// ErrMalformedFrame is returned for envelopes that violate the framing rules.
var ErrMalformedFrame = errors.New("malformed frame")

type wireFrame struct {
	Type      Type   `cbor:"1,keyasint"`
	SessionID string `cbor:"2,keyasint,omitempty"`
	Payload   []byte `cbor:"3,keyasint,omitempty"`
}

// WriteFrame encodes f and writes it to w with a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := Marshal(wireFrame{Type: f.Type, SessionID: f.SessionID, Payload: f.Payload})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: body of %d bytes exceeds %d", ErrMalformedFrame, len(body), MaxFrameSize)
	}

	buf := make([]byte, headerSize, headerSize+len(body))
	buf[0] = frameStart
	copy(buf[1:], frameMagic[:])
	binary.BigEndian.PutUint64(buf[1+len(frameMagic):], f.Sequence)
	binary.BigEndian.PutUint32(buf[1+len(frameMagic)+8:], uint32(len(body)))
	buf = append(buf, body...)

	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame from r. A clean end of stream before the first
// header byte is reported as [io.EOF].
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return nil, err
	}
	if header[0] != frameStart {
		return nil, fmt.Errorf("%w: bad start byte 0x%02x", ErrMalformedFrame, header[0])
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return nil, unexpectedEOF(err)
	}
	if [8]byte(header[1:9]) != frameMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedFrame)
	}

	seq := binary.BigEndian.Uint64(header[9:17])
	size := binary.BigEndian.Uint32(header[17:21])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrMalformedFrame, size, MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, unexpectedEOF(err)
	}

	var wf wireFrame
	if err := Unmarshal(body, &wf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &Frame{Type: wf.Type, Sequence: seq, SessionID: wf.SessionID, Payload: wf.Payload}, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
