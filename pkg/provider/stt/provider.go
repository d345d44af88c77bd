// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// The browser extension ships short, self-contained audio segments per channel
// (typically a WebM/Opus blob from MediaRecorder). A Transcriber turns one such
// segment into text. Continuity across segments is provided by the caller via
// Request.Prompt: the previous text on the same channel is passed as a hint so
// the backend keeps names and vocabulary stable.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Format names the container or encoding of Request.Audio.
type Format string

const (
	// FormatWebM is a WebM container, usually Opus encoded.
	FormatWebM Format = "webm"

	// FormatOgg is an Ogg container.
	FormatOgg Format = "ogg"

	// FormatWAV is a RIFF/WAV file.
	FormatWAV Format = "wav"

	// FormatPCM16 is raw 16-bit signed little-endian mono PCM. Backends wrap it
	// in a WAV header before upload.
	FormatPCM16 Format = "pcm16"
)

// Request is a single batch transcription job.
type Request struct {
	// Audio holds the encoded segment.
	Audio []byte

	// Format describes Audio. Empty means FormatWebM.
	Format Format

	// SampleRate is only used for FormatPCM16. Zero means 16000.
	SampleRate int

	// Language is an ISO-639-1 hint (e.g. "pt"). Empty lets the backend detect.
	Language string

	// Prompt is the rolling context hint for this channel.
	Prompt string
}

// Transcriber is the abstraction over any batch STT backend.
type Transcriber interface {
	// Transcribe returns the text spoken in req.Audio. An empty string with a
	// nil error means the segment contained no recognisable speech.
	Transcribe(ctx context.Context, req Request) (string, error)
}

// FileName returns a file name with an extension matching f, for multipart
// uploads that infer the codec from the name.
func (f Format) FileName() string {
	switch f {
	case FormatOgg:
		return "segment.ogg"
	case FormatWAV, FormatPCM16:
		return "segment.wav"
	default:
		return "segment.webm"
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatOgg:
		return "audio/ogg"
	case FormatWAV, FormatPCM16:
		return "audio/wav"
	default:
		return "audio/webm"
	}
}
