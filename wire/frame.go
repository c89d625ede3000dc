// SPDX-License-Identifier: Apache-2.0

/*
Package wire implements the framing used to move opaque tokens over a
byte stream.  Every message on the stream is a frame: a 4-byte unsigned
big-endian length followed by exactly that many payload bytes.  The
payload is opaque to this package -- during negotiation it is a
mechanism token, afterwards a protected message token.

Framing is atomic from the caller's perspective: a partial frame is
never exposed.
*/
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameLen bounds the advertised payload length of an
// inbound frame.  Mechanism and protected-message tokens are orders of
// magnitude smaller; anything larger indicates a broken or hostile
// peer.
const DefaultMaxFrameLen = 1 << 20

var (
	// ErrFrameTooLarge is returned when a frame header advertises a
	// payload larger than the configured maximum.  The payload is not
	// read and no buffer is allocated for it.
	ErrFrameTooLarge = errors.New("wire: frame length exceeds maximum")

	// ErrTruncatedFrame is returned when the stream ends before a
	// complete frame has been read.
	ErrTruncatedFrame = errors.New("wire: truncated frame")
)

type flusher interface {
	Flush() error
}

// Framer reads and writes frames over a byte stream.  It is not safe
// for concurrent use: a session owns its stream exclusively and its
// rounds are strictly sequential.
type Framer struct {
	rw  io.ReadWriter
	max uint32
	hdr [4]byte
}

// NewFramer wraps a stream.  max bounds the payload length of inbound
// frames; DefaultMaxFrameLen is used if it is zero.
func NewFramer(rw io.ReadWriter, max uint32) *Framer {
	if max == 0 {
		max = DefaultMaxFrameLen
	}

	return &Framer{rw: rw, max: max}
}

// WriteFrame writes the length prefix followed by b, then flushes the
// stream if it is buffered so the peer observes the frame promptly.
func (f *Framer) WriteFrame(b []byte) error {
	if uint64(len(b)) > uint64(f.max) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(b), f.max)
	}

	binary.BigEndian.PutUint32(f.hdr[:], uint32(len(b)))
	if _, err := f.rw.Write(f.hdr[:]); err != nil {
		return fmt.Errorf("wire: writing frame header: %w", err)
	}

	if _, err := f.rw.Write(b); err != nil {
		return fmt.Errorf("wire: writing frame payload: %w", err)
	}

	if fl, ok := f.rw.(flusher); ok {
		if err := fl.Flush(); err != nil {
			return fmt.Errorf("wire: flushing frame: %w", err)
		}
	}

	return nil
}

// ReadFrame reads one complete frame, blocking until all payload bytes
// have arrived.  io.EOF is returned as-is when the stream ends cleanly
// on a frame boundary; a stream that ends mid-frame yields
// ErrTruncatedFrame.
func (f *Framer) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.rw, f.hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}

		return nil, fmt.Errorf("wire: reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(f.hdr[:])
	if length > f.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, f.max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}

		return nil, fmt.Errorf("wire: reading frame payload: %w", err)
	}

	return payload, nil
}
