package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		descriptor string
		want       Format
	}{
		{"audio/L16;rate=24000", Format{Channels: 1, SampleRate: 24000, BitDepth: 16}},
		{"audio/L16;codec=pcm;rate=24000", Format{Channels: 1, SampleRate: 24000, BitDepth: 16}},
		{"audio/L24;rate=48000;channels=2", Format{Channels: 2, SampleRate: 48000, BitDepth: 24}},
		{"", DefaultFormat},
		{"garbage", DefaultFormat},
		{"audio/mpeg;rate=abc", DefaultFormat},
	}
	for _, tc := range cases {
		got := ParseFormat(tc.descriptor)
		if got != tc.want {
			t.Fatalf("ParseFormat(%q) = %+v, want %+v", tc.descriptor, got, tc.want)
		}
	}
}

func TestWrapPCMHeader(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 480)
	wrapped := WrapPCM(payload, "audio/L16;rate=24000")

	if len(wrapped) != 44+len(payload) {
		t.Fatalf("wrapped length = %d, want %d", len(wrapped), 44+len(payload))
	}
	if string(wrapped[0:4]) != "RIFF" || string(wrapped[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers: %q %q", wrapped[0:4], wrapped[8:12])
	}
	if rate := binary.LittleEndian.Uint32(wrapped[24:28]); rate != 24000 {
		t.Fatalf("sample rate in header = %d, want 24000", rate)
	}
	if size := binary.LittleEndian.Uint32(wrapped[40:44]); size != uint32(len(payload)) {
		t.Fatalf("data size in header = %d, want %d", size, len(payload))
	}
	if !bytes.Equal(wrapped[44:], payload) {
		t.Fatalf("payload bytes altered by wrapping")
	}
}

func TestHeaderFormatRoundTrip(t *testing.T) {
	descriptor := "audio/L16;rate=24000"
	wrapped := WrapPCM([]byte{1, 2, 3, 4}, descriptor)
	got := HeaderFormat(wrapped)
	want := ParseFormat(descriptor)
	if got != want {
		t.Fatalf("HeaderFormat = %+v, want %+v", got, want)
	}
}

func TestDuration(t *testing.T) {
	f := Format{Channels: 2, SampleRate: 44100, BitDepth: 16}
	// One second of 16-bit stereo at 44.1kHz.
	if d := f.Duration(44100 * 2 * 2); d != 1.0 {
		t.Fatalf("Duration = %v, want 1.0", d)
	}
	if d := (Format{}).Duration(1000); d != 0 {
		t.Fatalf("zero format Duration = %v, want 0", d)
	}
}
