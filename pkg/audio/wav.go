// Package audio wraps raw PCM payloads from the generation backend into
// self-contained playable WAV buffers.
package audio

import (
	"encoding/binary"
	"strconv"
	"strings"
)

const headerSize = 44

// Format is the effective PCM profile parsed from a MIME-like descriptor
// such as "audio/L16;codec=pcm;rate=24000".
type Format struct {
	Channels   int
	SampleRate int
	BitDepth   int
}

// DefaultFormat is used when the descriptor carries no value for a field.
var DefaultFormat = Format{Channels: 1, SampleRate: 22050, BitDepth: 16}

// ParseFormat extracts channel count, sample rate, and bit depth from a MIME
// descriptor. Malformed or missing tokens silently fall back to defaults; a
// bad descriptor must never fail audio delivery.
func ParseFormat(descriptor string) Format {
	f := DefaultFormat
	for _, token := range strings.Split(descriptor, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if strings.Contains(token, "/") {
			// Media type, e.g. "audio/L16": bit depth hides in the subtype.
			subtype := token[strings.Index(token, "/")+1:]
			if strings.HasPrefix(strings.ToUpper(subtype), "L") {
				if bits, err := strconv.Atoi(subtype[1:]); err == nil && bits > 0 {
					f.BitDepth = bits
				}
			}
			continue
		}
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "rate":
			f.SampleRate = n
		case "channels":
			f.Channels = n
		}
	}
	return f
}

// ByteRate returns bytes consumed per second of playback.
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// BlockAlign returns the frame size in bytes.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

// Duration estimates playback seconds for a payload of n bytes.
func (f Format) Duration(n int) float64 {
	rate := f.ByteRate()
	if rate <= 0 {
		return 0
	}
	return float64(n) / float64(rate)
}

// WrapPCM prepends a canonical 44-byte WAV header to the raw payload. The
// payload bytes are copied unchanged after the header. Pure and
// deterministic.
func WrapPCM(payload []byte, descriptor string) []byte {
	f := ParseFormat(descriptor)
	out := make([]byte, headerSize+len(payload))
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+len(payload)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16) // PCM fmt chunk size
	le.PutUint16(out[20:22], 1)  // PCM format tag
	le.PutUint16(out[22:24], uint16(f.Channels))
	le.PutUint32(out[24:28], uint32(f.SampleRate))
	le.PutUint32(out[28:32], uint32(f.ByteRate()))
	le.PutUint16(out[32:34], uint16(f.BlockAlign()))
	le.PutUint16(out[34:36], uint16(f.BitDepth))

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(payload)))

	copy(out[headerSize:], payload)
	return out
}

// HeaderFormat re-derives the PCM profile from a wrapped buffer's header.
// It returns the zero Format when the buffer is too short to carry one.
func HeaderFormat(wrapped []byte) Format {
	if len(wrapped) < headerSize {
		return Format{}
	}
	le := binary.LittleEndian
	return Format{
		Channels:   int(le.Uint16(wrapped[22:24])),
		SampleRate: int(le.Uint32(wrapped[24:28])),
		BitDepth:   int(le.Uint16(wrapped[34:36])),
	}
}
