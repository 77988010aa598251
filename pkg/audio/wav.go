package audio

import "bytes"

// wavHeaderSize is the size of a canonical PCM WAV header: RIFF chunk
// descriptor, fmt sub-chunk and data sub-chunk header.
const wavHeaderSize = 44

// StripWAVHeader removes a canonical 44-byte RIFF/WAVE header from buf if one
// is present and returns the remaining sample data. Buffers without the
// header magic are returned unchanged. The returned slice aliases buf.
func StripWAVHeader(buf []byte) []byte {
	if len(buf) < wavHeaderSize {
		return buf
	}
	if !bytes.Equal(buf[0:4], []byte("RIFF")) || !bytes.Equal(buf[8:12], []byte("WAVE")) {
		return buf
	}
	return buf[wavHeaderSize:]
}
