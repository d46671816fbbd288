package protocol

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// EncodeProfileSnapshot packs profiling samples as consecutive LE float32s.
func EncodeProfileSnapshot(samples []float32) []byte {
	b := NewPacketBuilder()
	for _, s := range samples {
		b.WriteFloat32(s)
	}
	return b.Build()
}

// DecodeProfileSnapshot unpacks a blob produced by EncodeProfileSnapshot.
func DecodeProfileSnapshot(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, errors.Errorf("profiling snapshot length %d is not a multiple of 4", len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}

// EncodeProfileGroups packs group metadata records.
// Record format: [r:1][g:1][b:1][a:1][name\0]
func EncodeProfileGroups(groups []ProfileGroup) []byte {
	b := NewPacketBuilder()
	for _, g := range groups {
		b.WriteBytes(g.Color[:])
		b.WriteNullString(g.Name)
	}
	return b.Build()
}

// DecodeProfileGroups unpacks a blob produced by EncodeProfileGroups.
func DecodeProfileGroups(blob []byte) ([]ProfileGroup, error) {
	r := NewPacketReader(blob)
	var out []ProfileGroup
	for r.Remaining() > 0 {
		var g ProfileGroup
		for i := range g.Color {
			c, err := r.ReadByte()
			if err != nil {
				return nil, errors.Wrapf(err, "group %d color", len(out))
			}
			g.Color[i] = c
		}
		name, err := r.ReadString(MaxStringLength)
		if err != nil {
			return nil, errors.Wrapf(err, "group %d name", len(out))
		}
		g.Name = name
		out = append(out, g)
	}
	return out, nil
}
