// Package audio implements the codec engine for the bridge: G.711 μ-law
// companding, linear-interpolation resampling between arbitrary sample rates,
// and WAV container-header stripping.
//
// All transformations are pure functions over byte slices. Linear PCM is
// always little-endian int16; μ-law is one byte per sample. Out-of-range
// inputs are clamped, never rejected.
package audio

import "time"

// Encoding identifies the sample encoding of a frame.
type Encoding string

const (
	// EncodingMuLaw is G.711 μ-law, 8 bits per sample.
	EncodingMuLaw Encoding = "mulaw"

	// EncodingLinear16 is uncompressed little-endian 16-bit PCM.
	EncodingLinear16 Encoding = "linear16"
)

// Format describes the encoding and sample rate of an audio stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// Frame is a single chunk of audio flowing through the relay pipeline.
// Frames are produced by one component and consumed by the next; the Data
// slice is never mutated after construction.
type Frame struct {
	// Data holds the samples in the frame's Format.
	Data []byte

	// Format describes how Data is encoded.
	Format Format

	// Timestamp marks when this frame entered the pipeline.
	Timestamp time.Time
}

// Samples returns the number of audio samples in the frame.
func (f Frame) Samples() int {
	if f.Format.Encoding == EncodingLinear16 {
		return len(f.Data) / 2
	}
	return len(f.Data)
}
