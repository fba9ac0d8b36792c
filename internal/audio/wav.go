package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// clip is decoded PCM ready for a playback device.
type clip struct {
	pcm        []byte // interleaved signed 16-bit little-endian
	channels   uint32
	sampleRate uint32
}

var errNotWAV = errors.New("audio: not a RIFF/WAVE file")

// decodeWAV parses an uncompressed 16-bit PCM WAV file. Ringtone
// assets are short and fully decoded up front.
func decodeWAV(data []byte) (clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return clip{}, errNotWAV
	}

	var c clip
	var haveFmt bool
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			return clip{}, fmt.Errorf("audio: truncated %q chunk", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return clip{}, errors.New("audio: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 { // PCM
				return clip{}, fmt.Errorf("audio: unsupported WAV format %d, want PCM", format)
			}
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if bits != 16 {
				return clip{}, fmt.Errorf("audio: unsupported sample size %d bits, want 16", bits)
			}
			c.channels = uint32(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			c.sampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			haveFmt = true
		case "data":
			c.pcm = data[body : body+size]
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}

	if !haveFmt || len(c.pcm) == 0 {
		return clip{}, errors.New("audio: WAV missing fmt or data chunk")
	}
	if c.channels == 0 || c.channels > 2 || c.sampleRate == 0 {
		return clip{}, fmt.Errorf("audio: implausible WAV header (%d ch, %d Hz)", c.channels, c.sampleRate)
	}
	return c, nil
}
