// Package framed carries Jupyter messages over a single stream connection
// using length-prefixed JSON frames. It is the transport used to reach
// kernels behind a unix socket, a TCP bridge, or a vsock port inside a
// Firecracker microVM, where running a ZeroMQ socket pair is impractical.
package framed

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/sosmill/internal/kernel"
)

// MaxFrameSize is the maximum allowed frame payload (16 MiB). Rich outputs
// such as base64 images count against it.
const MaxFrameSize = 16 << 20

const prefixLen = 4

// Frame errors.
var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrEmptyFrame     = errors.New("frame carries no message")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Envelope is one frame on the wire: a Jupyter message tagged with the
// channel it belongs to.
type Envelope struct {
	Channel string          `json:"channel"`
	Message *kernel.Message `json:"message"`
}

// WriteEnvelope writes msg as one frame on channel: a 4-byte big-endian
// payload length followed by the JSON envelope. The frame goes out in a
// single Write, so writers sharing a connection only need to serialize calls.
func WriteEnvelope(w io.Writer, channel string, msg *kernel.Message) error {
	if msg == nil {
		return ErrEmptyFrame
	}
	payload, err := json.Marshal(Envelope{Channel: channel, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", channel, err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, msg.Type(), len(payload))
	}

	frame := make([]byte, prefixLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[prefixLen:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadEnvelope reads one frame from r. It returns io.EOF, possibly wrapped,
// when r ends cleanly between frames. A frame whose payload does not decode
// yields ErrMalformedFrame; the stream stays aligned on the next frame.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var prefix [prefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, fmt.Errorf("read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, fmt.Errorf("read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Message == nil {
		return env, fmt.Errorf("%w on channel %q", ErrEmptyFrame, env.Channel)
	}
	return env, nil
}
