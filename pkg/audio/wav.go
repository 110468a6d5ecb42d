// Package audio holds the container helpers shared by the speech providers:
// RIFF/WAVE inspection for synthesized clips and PCM wrapping for uploads.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// WAVInfo describes the PCM stream inside a RIFF/WAVE clip.
type WAVInfo struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	// DataOffset is the byte offset of the first sample.
	DataOffset int
	DataBytes  int
}

// Duration is the playback length of the sample data.
func (w WAVInfo) Duration() time.Duration {
	frame := w.Channels * w.BitsPerSample / 8
	if frame == 0 || w.SampleRate == 0 {
		return 0
	}
	return time.Duration(w.DataBytes/frame) * time.Second / time.Duration(w.SampleRate)
}

type chunkHeader struct {
	ID   [4]byte
	Size uint32
}

// ParseWAV validates a RIFF/WAVE container and reads its "fmt " chunk.
// Chunks are walked rather than assuming the canonical 44-byte header, since
// encoders add LIST and fact chunks or extend fmt.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 || string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("wav: not a RIFF/WAVE file")
	}

	r := bytes.NewReader(wav[12:])
	var (
		info   WAVInfo
		hasFmt bool
	)
	for {
		var h chunkHeader
		if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
			return WAVInfo{}, errors.New("wav: missing data chunk")
		}
		start := len(wav) - r.Len()

		switch string(h.ID[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				Channels      uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if h.Size < 16 || binary.Read(io.NewSectionReader(r, int64(start-12), 16), binary.LittleEndian, &f) != nil {
				return WAVInfo{}, errors.New("wav: truncated fmt chunk")
			}
			info.Channels, info.SampleRate, info.BitsPerSample = int(f.Channels), int(f.SampleRate), int(f.BitsPerSample)
			hasFmt = true
		case "data":
			if !hasFmt {
				return WAVInfo{}, errors.New("wav: data chunk precedes fmt chunk")
			}
			info.DataOffset = start
			info.DataBytes = min(int(h.Size), len(wav)-start)
			return info, nil
		}

		// Chunks are word-aligned.
		skip := int64(h.Size) + int64(h.Size%2)
		if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
			return WAVInfo{}, fmt.Errorf("wav: skip %q chunk: %w", h.ID[:], err)
		}
	}
}

// EncodePCM16 wraps signed 16-bit little-endian PCM in a canonical 44-byte
// RIFF/WAVE header.
func EncodePCM16(pcm []byte, sampleRate, channels int) []byte {
	var out bytes.Buffer
	out.Grow(44 + len(pcm))
	out.WriteString("RIFF")
	_ = binary.Write(&out, binary.LittleEndian, uint32(36+len(pcm)))
	out.WriteString("WAVEfmt ")
	_ = binary.Write(&out, binary.LittleEndian, struct {
		Size          uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}{16, 1, uint16(channels), uint32(sampleRate), uint32(sampleRate * channels * 2), uint16(channels * 2), 16})
	out.WriteString("data")
	_ = binary.Write(&out, binary.LittleEndian, uint32(len(pcm)))
	out.Write(pcm)
	return out.Bytes()
}
