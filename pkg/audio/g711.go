package audio

// G.711 μ-law companding. The decode direction is table-driven: the table is
// built once at package init from the companding formula, giving O(1) lookup
// per sample. Encode and decode share the same bias and segment layout, so
// decode(encode(s)) stays within one quantization step of s.

// muLawBias is the companding bias added to the magnitude before the
// segment search, per the G.711 μ-law law.
const muLawBias = 132

// muLawClip is the largest biased magnitude the encoder accepts.
const muLawClip = 0x7FFF

// muLawDecodeTable maps each of the 256 μ-law byte values to its linear
// 16-bit sample. Built once by init.
var muLawDecodeTable [256]int16

func init() {
	for i := range 256 {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
	}
}

// decodeMuLawSample expands one μ-law byte via the companding formula.
// Used only to build the lookup table; callers go through MuLawToLinear.
func decodeMuLawSample(b byte) int16 {
	b = ^b
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	t := (int16(mantissa)<<3 + muLawBias) << exponent
	if b&0x80 != 0 {
		return muLawBias - t
	}
	return t - muLawBias
}

// MuLawToLinear expands a single μ-law byte to a linear 16-bit sample.
func MuLawToLinear(b byte) int16 {
	return muLawDecodeTable[b]
}

// LinearToMuLaw compresses a linear 16-bit sample to one μ-law byte.
// The magnitude is biased, the smallest segment containing it is located,
// and the 4-bit mantissa is taken from below the segment's implicit leading
// bit. The composed byte is inverted per G.711.
func LinearToMuLaw(sample int16) byte {
	var sign byte
	m := int32(sample)
	if m < 0 {
		sign = 0x80
		m = -m
	}
	m += muLawBias
	if m > muLawClip {
		m = muLawClip
	}

	exponent := byte(7)
	for e := byte(0); e < 7; e++ {
		if m < 0x100<<e {
			exponent = e
			break
		}
	}
	mantissa := byte(m>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLaw expands a μ-law buffer to little-endian 16-bit PCM.
// The output is exactly twice the input length.
func DecodeMuLaw(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := muLawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMuLaw compresses little-endian 16-bit PCM to μ-law. A trailing odd
// byte, which cannot form a complete sample, is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = LinearToMuLaw(s)
	}
	return out
}
