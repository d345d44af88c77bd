package stt

import (
	"bytes"
	"encoding/binary"
)

const defaultSampleRate = 16000

// wavHeader is the canonical 44-byte RIFF header for 16-bit PCM.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

const wavHeaderSize = 44

// Payload returns the bytes to upload and their effective format. Raw PCM
// is wrapped in a WAV container; everything else passes through.
func (r Request) Payload() ([]byte, Format) {
	switch r.Format {
	case "":
		return r.Audio, FormatWebM
	case FormatPCM16:
		rate := r.SampleRate
		if rate <= 0 {
			rate = defaultSampleRate
		}
		return EncodeWAV(r.Audio, rate, 1), FormatWAV
	}
	return r.Audio, r.Format
}

// EncodeWAV prepends a RIFF header to 16-bit little-endian PCM.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bits = 16
	block := channels * bits / 8
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(wavHeaderSize - 8 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * block),
		BlockAlign:    uint16(block),
		BitsPerSample: bits,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, &h)
	buf.Write(pcm)
	return buf.Bytes()
}
