package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PacketBuilder constructs frame bodies and length-prefixed frames.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.buf.Write(tmp[:])
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	b.buf.Write(tmp[:])
	return b
}

// WriteNullString writes a null-terminated string.
func (b *PacketBuilder) WriteNullString(s string) *PacketBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// WriteBlob writes a length-prefixed byte blob.
// Format: [count:4][bytes...]
func (b *PacketBuilder) WriteBlob(data []byte) *PacketBuilder {
	b.WriteInt32(int32(len(data)))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns a copy of the bytes written so far.
func (b *PacketBuilder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// BuildWithLength returns the frame with a 4-byte LE length prefix.
func (b *PacketBuilder) BuildWithLength() []byte {
	data := b.buf.Bytes()
	result := make([]byte, LengthPrefixSize+len(data))
	binary.LittleEndian.PutUint32(result[:LengthPrefixSize], uint32(len(data)))
	copy(result[LengthPrefixSize:], data)
	return result
}

// Len returns the current size of the body being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current body for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// ---- Frame constructors ----

// Encode builds a frame carrying zero or more null-terminated strings.
// Format: [length:4][request_id:4][command:4][str\0...]
func Encode(requestID, command int32, parts ...string) []byte {
	b := NewPacketBuilder()
	b.WriteInt32(requestID)
	b.WriteInt32(command)
	for _, p := range parts {
		b.WriteNullString(p)
	}
	return b.BuildWithLength()
}

// EncodeBlob builds a frame carrying a single length-prefixed blob.
// Format: [length:4][request_id:4][command:4][count:4][bytes...]
func EncodeBlob(requestID, command int32, blob []byte) []byte {
	b := NewPacketBuilder()
	b.WriteInt32(requestID)
	b.WriteInt32(command)
	b.WriteBlob(blob)
	return b.BuildWithLength()
}

// EncodeRequest builds an operator request frame. Requests always carry two
// strings; the second one is empty for every command except set-value.
func EncodeRequest(requestID int32, command RequestCommand, arg1, arg2 string) []byte {
	return Encode(requestID, int32(command), arg1, arg2)
}

// EncodeRequestBody builds the body of a request frame without the length
// prefix, as handed to the dispatcher.
func EncodeRequestBody(requestID int32, command RequestCommand, arg1, arg2 string) []byte {
	b := NewPacketBuilder()
	b.WriteInt32(requestID)
	b.WriteInt32(int32(command))
	b.WriteNullString(arg1)
	b.WriteNullString(arg2)
	return b.Build()
}
