// Package frame implements the length-prefixed message envelope shared by
// every control-channel socket.
//
// A frame is a 4-byte big-endian payload length followed by the payload.
// The envelope is transport-only; payload structure is a contract between
// the endpoints.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxPayload is the largest payload a single frame may carry.
const MaxPayload = 64 * 1024

// HeaderSize is the size of the length prefix in bytes.
const HeaderSize = 4

var (
	// ErrEmptyPayload is returned when sending a zero-length payload.
	ErrEmptyPayload = errors.New("frame: empty payload")
	// ErrPayloadTooLarge is returned when sending a payload larger than MaxPayload.
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	// ErrInvalidLength is returned when a received header announces a length of
	// zero or more than MaxPayload.
	ErrInvalidLength = errors.New("frame: invalid length")
)

// Write sends payload as a single frame.
//
// Precondition: 0 < len(payload) <= MaxPayload.
// Postcondition: header and payload are written in one call to w, or an error is returned
// and nothing is written.
func Write(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Read receives a single frame and returns its payload.
//
// Postcondition: Returns the payload, io.EOF if the peer closed before a header
// started, io.ErrUnexpectedEOF if it closed mid-frame, or ErrInvalidLength if the
// header is out of range. On ErrInvalidLength no body bytes are consumed.
func Read(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 || length > MaxPayload {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// IsFramingFault reports whether err came from a malformed or truncated frame
// rather than from the underlying transport.
func IsFramingFault(err error) bool {
	return errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrEmptyPayload)
}
