package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		requestID int32
		command   int32
		parts     []string
	}{
		{"no payload", 1, int32(CmdStartProfiling), nil},
		{"auth", 7, int32(CmdAuth), []string{"hunter2", ""}},
		{"set value", 42, int32(CmdSetValue), []string{"sv_cheats", "1"}},
		{"auth failed sentinel", AuthFailedRequestID, int32(RespAuth), []string{""}},
		{"single string", 0, int32(RespString), []string{"hello world\n"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame := Encode(tc.requestID, tc.command, tc.parts...)

			pkt, n, err := Decode(frame, DefaultMaxCommandSize)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if pkt == nil {
				t.Fatal("Decode returned no packet for a complete frame")
			}
			if n != len(frame) {
				t.Errorf("consumed = %d, want %d", n, len(frame))
			}
			if pkt.RequestID != tc.requestID {
				t.Errorf("request id = %d, want %d", pkt.RequestID, tc.requestID)
			}
			if pkt.Command != tc.command {
				t.Errorf("command = %d, want %d", pkt.Command, tc.command)
			}

			got, err := pkt.Strings()
			if err != nil {
				t.Fatalf("Strings: %v", err)
			}
			if len(got) != len(tc.parts) {
				t.Fatalf("strings = %q, want %q", got, tc.parts)
			}
			for i := range got {
				if got[i] != tc.parts[i] {
					t.Errorf("string %d = %q, want %q", i, got[i], tc.parts[i])
				}
			}
		})
	}
}

func TestLengthPrefixCoversBody(t *testing.T) {
	frame := Encode(3, int32(CmdExecCommand), "status", "")
	length := binary.LittleEndian.Uint32(frame[:4])
	if int(length) != len(frame)-LengthPrefixSize {
		t.Errorf("length prefix = %d, want %d", length, len(frame)-LengthPrefixSize)
	}
}

func TestDecodeEverySplitOffset(t *testing.T) {
	frame := Encode(9, int32(CmdExecCommand), "changelevel de_dust", "")

	for split := 0; split <= len(frame); split++ {
		var buf []byte
		buf = append(buf, frame[:split]...)

		pkt, n, err := Decode(buf, DefaultMaxCommandSize)
		if err != nil {
			t.Fatalf("split %d: first half: %v", split, err)
		}
		if split < len(frame) {
			if pkt != nil || n != 0 {
				t.Fatalf("split %d: decoded a packet from a partial frame", split)
			}
		}

		buf = append(buf, frame[split:]...)
		pkt, n, err = Decode(buf, DefaultMaxCommandSize)
		if err != nil {
			t.Fatalf("split %d: whole frame: %v", split, err)
		}
		if pkt == nil || n != len(frame) {
			t.Fatalf("split %d: got packet %v consumed %d", split, pkt, n)
		}
		parts, _ := pkt.Strings()
		if len(parts) != 2 || parts[0] != "changelevel de_dust" {
			t.Fatalf("split %d: strings = %q", split, parts)
		}
	}
}

func TestSplitFrameRejectsOversizedLength(t *testing.T) {
	var buf [LengthPrefixSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(DefaultMaxCommandSize+1))

	frame, n, err := SplitFrame(buf[:], DefaultMaxCommandSize)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if frame != nil || n != 0 {
		t.Errorf("frame = %v, n = %d, want nothing", frame, n)
	}
}

func TestSplitFrameRejectsNegativeAndShortLengths(t *testing.T) {
	for _, length := range []int32{-1, 0, HeaderSize - 1} {
		var buf [LengthPrefixSize]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(length))
		if _, _, err := SplitFrame(buf[:], DefaultMaxCommandSize); !errors.Is(err, ErrFrameTooSmall) {
			t.Errorf("length %d: err = %v, want ErrFrameTooSmall", length, err)
		}
	}
}

func TestSplitFrameLeavesTrailingBytes(t *testing.T) {
	first := Encode(1, int32(CmdAuth), "pw", "")
	second := Encode(2, int32(CmdExecCommand), "status", "")
	buf := append(append([]byte{}, first...), second[:5]...)

	frame, n, err := SplitFrame(buf, DefaultMaxCommandSize)
	if err != nil {
		t.Fatalf("SplitFrame: %v", err)
	}
	if n != len(first) {
		t.Fatalf("consumed = %d, want %d", n, len(first))
	}
	if !bytes.Equal(frame, first[LengthPrefixSize:]) {
		t.Errorf("frame = %x, want %x", frame, first[LengthPrefixSize:])
	}

	frame, n, err = SplitFrame(buf[n:], DefaultMaxCommandSize)
	if err != nil || frame != nil || n != 0 {
		t.Errorf("partial second frame: frame=%v n=%d err=%v", frame, n, err)
	}
}

func TestPacketReaderMalformed(t *testing.T) {
	t.Run("empty buffer", func(t *testing.T) {
		if _, err := NewPacketReader(nil).ReadString(MaxStringLength); !errors.Is(err, ErrTruncated) {
			t.Errorf("err = %v, want ErrTruncated", err)
		}
	})

	t.Run("missing terminator", func(t *testing.T) {
		if _, err := NewPacketReader([]byte("no-nul")).ReadString(MaxStringLength); !errors.Is(err, ErrTruncated) {
			t.Errorf("err = %v, want ErrTruncated", err)
		}
	})

	t.Run("short int", func(t *testing.T) {
		if _, err := NewPacketReader([]byte{1, 2}).ReadInt32(); !errors.Is(err, ErrTruncated) {
			t.Errorf("err = %v, want ErrTruncated", err)
		}
	})

	t.Run("blob longer than frame", func(t *testing.T) {
		b := NewPacketBuilder().WriteInt32(100).WriteBytes([]byte{1, 2, 3}).Build()
		if _, err := NewPacketReader(b).ReadBlob(); !errors.Is(err, ErrTruncated) {
			t.Errorf("err = %v, want ErrTruncated", err)
		}
	})

	t.Run("negative blob", func(t *testing.T) {
		b := NewPacketBuilder().WriteInt32(-4).Build()
		if _, err := NewPacketReader(b).ReadBlob(); !errors.Is(err, ErrTruncated) {
			t.Errorf("err = %v, want ErrTruncated", err)
		}
	})
}

func TestReadStringTruncatesToMax(t *testing.T) {
	r := NewPacketReader([]byte("abcdef\x00xy\x00"))
	s, err := r.ReadString(3)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if s != "abc" {
		t.Errorf("got %q, want %q", s, "abc")
	}
	next, err := r.ReadString(3)
	if err != nil || next != "xy" {
		t.Errorf("next = %q (%v), want %q", next, err, "xy")
	}
}

func TestBlobFrame(t *testing.T) {
	blob := []byte("PK\x03\x04 archive bytes")
	frame := EncodeBlob(5, int32(RespScreenshot), blob)

	pkt, _, err := Decode(frame, DefaultMaxResponseSize)
	if err != nil || pkt == nil {
		t.Fatalf("Decode: pkt=%v err=%v", pkt, err)
	}
	got, err := pkt.Blob()
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("blob = %q, want %q", got, blob)
	}
}

func TestProfilePayloads(t *testing.T) {
	samples := []float32{0, 12.5, 99.75, -1}
	got, err := DecodeProfileSnapshot(EncodeProfileSnapshot(samples))
	if err != nil {
		t.Fatalf("DecodeProfileSnapshot: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("got %v, want %v", got, samples)
	}
	for i := range got {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}

	if _, err := DecodeProfileSnapshot([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for a snapshot that is not a multiple of 4 bytes")
	}

	groups := []ProfileGroup{
		{Color: [4]byte{255, 0, 0, 255}, Name: "cpu"},
		{Color: [4]byte{0, 255, 0, 255}, Name: "memory"},
	}
	decoded, err := DecodeProfileGroups(EncodeProfileGroups(groups))
	if err != nil {
		t.Fatalf("DecodeProfileGroups: %v", err)
	}
	if len(decoded) != len(groups) {
		t.Fatalf("got %d groups, want %d", len(decoded), len(groups))
	}
	for i := range groups {
		if decoded[i] != groups[i] {
			t.Errorf("group %d = %+v, want %+v", i, decoded[i], groups[i])
		}
	}

	if _, err := DecodeProfileGroups([]byte{1, 2, 3, 4, 'x'}); err == nil {
		t.Error("expected error for an unterminated group name")
	}
}
