// Package channel implements the framed Unix-domain-socket transport
// between the broker (coordinator, server mode) and agent peers (client
// mode), per spec.md §4.1 / §6.
package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt or hostile length header causing an
// unbounded allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// writeFrame writes a 4-byte big-endian length header followed by payload,
// as one buffered Write so a concurrent writer on the same connection
// cannot interleave mid-frame.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("channel_write_error: frame of %d bytes exceeds max %d", len(payload), maxFrameSize)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("channel_write_error: %w", err)
	}
	return nil
}

// readFrame blocks until a complete length-prefixed frame has been read, or
// returns an error (including io.EOF on clean peer disconnect).
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("channel_read_error: frame length %d exceeds max %d", length, maxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("channel_read_error: %w", err)
	}
	return payload, nil
}
