package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrTruncated is returned when a field extends past the end of the frame.
var ErrTruncated = errors.New("truncated field")

// PacketReader reads fields from a frame body without ever reading past its
// end. Every method fails instead of panicking on malformed input.
type PacketReader struct {
	data []byte
	pos  int
}

// NewPacketReader creates a reader over data.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.pos
}

// ReadInt32 reads a little-endian int32.
func (r *PacketReader) ReadInt32() (int32, error) {
	if r.Remaining() < 4 {
		return 0, errors.Wrapf(ErrTruncated, "int32 at offset %d", r.pos)
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	return v, nil
}

// ReadByte reads a single byte.
func (r *PacketReader) ReadByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, errors.Wrapf(ErrTruncated, "byte at offset %d", r.pos)
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

// ReadString reads a null-terminated string. The result is cut to maxLen
// bytes, but the whole string up to its terminator is consumed.
func (r *PacketReader) ReadString(maxLen int) (string, error) {
	if r.Remaining() == 0 {
		return "", errors.Wrapf(ErrTruncated, "string at offset %d", r.pos)
	}
	end := bytes.IndexByte(r.data[r.pos:], 0)
	if end < 0 {
		return "", errors.Wrapf(ErrTruncated, "unterminated string at offset %d", r.pos)
	}
	s := r.data[r.pos : r.pos+end]
	if maxLen >= 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	r.pos += end + 1
	return string(s), nil
}

// ReadBlob reads a length-prefixed byte blob.
// Format: [count:4][bytes...]
func (r *PacketReader) ReadBlob() ([]byte, error) {
	count, err := r.ReadInt32()
	if err != nil {
		return nil, errors.Wrap(err, "blob length")
	}
	if count < 0 || int(count) > r.Remaining() {
		return nil, errors.Wrapf(ErrTruncated, "blob of %d bytes with %d remaining", count, r.Remaining())
	}
	out := make([]byte, count)
	copy(out, r.data[r.pos:r.pos+int(count)])
	r.pos += int(count)
	return out, nil
}
