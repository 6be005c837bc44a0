// Package codec defines the frame codec contract used by the transport.
// A codec turns the connection's buffered bytes into frames and response
// frames back into bytes. Decoding never consumes a partial frame:
// returning ok=false asks the caller to wait for more data.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Codec encodes and decodes protocol frames.
type Codec interface {
	// Decode extracts one frame from buf. ok=false with a nil error means
	// the buffer does not yet hold a complete frame.
	Decode(buf *bytes.Buffer) (frame []byte, ok bool, err error)

	// Encode appends the wire form of frame to buf.
	Encode(frame []byte, buf *bytes.Buffer) error
}

// BytesCodec treats the entire buffered content as a single frame. Useful
// for raw byte pipes and tests.
type BytesCodec struct{}

// Decode returns everything buffered so far as one frame.
func (BytesCodec) Decode(buf *bytes.Buffer) ([]byte, bool, error) {
	if buf.Len() == 0 {
		return nil, false, nil
	}
	frame := make([]byte, buf.Len())
	copy(frame, buf.Bytes())
	buf.Reset()
	return frame, true, nil
}

// Encode appends the frame bytes verbatim.
func (BytesCodec) Encode(frame []byte, buf *bytes.Buffer) error {
	_, err := buf.Write(frame)
	return err
}

// checksumHeaderSize is the fixed frame header: 4-byte big-endian payload
// length followed by a 4-byte BLAKE3 checksum prefix of the payload.
const checksumHeaderSize = 8

// ErrChecksumMismatch reports a frame whose payload does not match its
// declared checksum.
var ErrChecksumMismatch = errors.New("codec: frame checksum mismatch")

// FrameTooLargeError reports a frame exceeding the configured size cap.
type FrameTooLargeError struct {
	Size  int
	Limit int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("codec: frame of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// ChecksumCodec frames payloads as [len u32][blake3 prefix u32][payload].
// The checksum lets the receiver reject corrupted frames before they reach
// the service.
type ChecksumCodec struct {
	// MaxFrameSize caps accepted and produced payload sizes in bytes.
	MaxFrameSize int
}

// NewChecksumCodec returns a ChecksumCodec with the given payload cap.
// Non-positive caps fall back to 1 MiB.
func NewChecksumCodec(maxFrameSize int) *ChecksumCodec {
	if maxFrameSize <= 0 {
		maxFrameSize = 1 << 20
	}
	return &ChecksumCodec{MaxFrameSize: maxFrameSize}
}

func checksum(payload []byte) uint32 {
	sum := blake3.Sum256(payload)
	return binary.BigEndian.Uint32(sum[:4])
}

// Decode extracts one checksum-verified frame from buf.
func (c *ChecksumCodec) Decode(buf *bytes.Buffer) ([]byte, bool, error) {
	if buf.Len() < checksumHeaderSize {
		return nil, false, nil
	}

	header := buf.Bytes()[:checksumHeaderSize]
	size := int(binary.BigEndian.Uint32(header[:4]))
	if size > c.MaxFrameSize {
		return nil, false, &FrameTooLargeError{Size: size, Limit: c.MaxFrameSize}
	}
	if buf.Len() < checksumHeaderSize+size {
		return nil, false, nil
	}

	want := binary.BigEndian.Uint32(header[4:8])
	buf.Next(checksumHeaderSize)
	payload := make([]byte, size)
	copy(payload, buf.Next(size))

	if checksum(payload) != want {
		return nil, false, ErrChecksumMismatch
	}
	return payload, true, nil
}

// Encode appends the framed wire form of payload to buf.
func (c *ChecksumCodec) Encode(frame []byte, buf *bytes.Buffer) error {
	if len(frame) > c.MaxFrameSize {
		return &FrameTooLargeError{Size: len(frame), Limit: c.MaxFrameSize}
	}

	var header [checksumHeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(frame)))
	binary.BigEndian.PutUint32(header[4:8], checksum(frame))

	if _, err := buf.Write(header[:]); err != nil {
		return err
	}
	_, err := buf.Write(frame)
	return err
}
