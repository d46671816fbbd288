package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrFrameTooLarge is returned when a peer declares a frame longer than
	// the configured ceiling.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrFrameTooSmall is returned when a declared frame cannot even hold
	// the request id and command id.
	ErrFrameTooSmall = errors.New("frame smaller than header")
)

// SplitFrame extracts the first complete frame from buf.
//
// It returns the frame body (everything after the length prefix) and the
// number of bytes consumed from buf. A nil frame with a nil error means more
// bytes are needed. The declared length is validated as soon as the prefix is
// buffered, so an oversized frame is rejected before its body arrives.
func SplitFrame(buf []byte, maxSize int) ([]byte, int, error) {
	if len(buf) < LengthPrefixSize {
		return nil, 0, nil
	}

	length := int32(binary.LittleEndian.Uint32(buf[:LengthPrefixSize]))
	if length < HeaderSize {
		return nil, 0, errors.Wrapf(ErrFrameTooSmall, "declared length %d", length)
	}
	if maxSize > 0 && int64(length) > int64(maxSize) {
		return nil, 0, errors.Wrapf(ErrFrameTooLarge, "declared length %d (max %d)", length, maxSize)
	}

	total := LengthPrefixSize + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	return buf[LengthPrefixSize:total], total, nil
}

// Decode parses the first complete frame in buf.
// A nil packet with a nil error means the frame is not fully buffered yet.
func Decode(buf []byte, maxSize int) (*Packet, int, error) {
	frame, n, err := SplitFrame(buf, maxSize)
	if err != nil || frame == nil {
		return nil, 0, err
	}

	payload := make([]byte, len(frame)-HeaderSize)
	copy(payload, frame[HeaderSize:])

	return &Packet{
		RequestID: int32(binary.LittleEndian.Uint32(frame[0:4])),
		Command:   int32(binary.LittleEndian.Uint32(frame[4:8])),
		Payload:   payload,
	}, n, nil
}

// Strings splits a packet payload into its null-terminated strings.
func (p *Packet) Strings() ([]string, error) {
	r := NewPacketReader(p.Payload)
	var out []string
	for r.Remaining() > 0 {
		s, err := r.ReadString(len(p.Payload))
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Blob extracts the length-prefixed blob carried by a packet payload.
func (p *Packet) Blob() ([]byte, error) {
	return NewPacketReader(p.Payload).ReadBlob()
}
