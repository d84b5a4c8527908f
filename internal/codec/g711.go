// Package codec implements the audio conversions between the telephone
// leg (G.711 u-law at 8 kHz) and the assistant leg (16-bit linear PCM
// at 24 kHz): u-law companding and sample rate conversion.
package codec

const (
	// UlawSilence is the u-law code for a zero-amplitude sample. Used to
	// fill gaps when the far end stops sending or packets are lost.
	UlawSilence = 0xFF

	ulawBias = 0x84
	ulawClip = 32635
)

// UlawToLinear expands a single u-law code point to a 16-bit linear
// PCM sample.
func UlawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	value := (int(mantissa) << 3) + ulawBias
	value <<= uint(exponent)
	value -= ulawBias

	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToUlaw compresses a 16-bit linear PCM sample to a u-law code
// point. Samples beyond the u-law clip range saturate rather than wrap.
func LinearToUlaw(sample int16) byte {
	var sign byte
	value := int(sample)
	if value < 0 {
		value = -value
		sign = 0x80
	}
	if value > ulawClip {
		value = ulawClip
	}
	value += ulawBias

	exponent := 7
	for mask := 0x4000; exponent > 0 && value&mask == 0; exponent-- {
		mask >>= 1
	}
	mantissa := byte((value >> uint(exponent+3)) & 0x0F)

	return ^(sign | byte(exponent)<<4 | mantissa)
}

// DecodeUlaw expands a u-law frame to 16-bit linear PCM samples.
func DecodeUlaw(frame []byte) []int16 {
	pcm := make([]int16, len(frame))
	for i, u := range frame {
		pcm[i] = UlawToLinear(u)
	}
	return pcm
}

// EncodeUlaw compresses 16-bit linear PCM samples to a u-law frame.
func EncodeUlaw(pcm []int16) []byte {
	frame := make([]byte, len(pcm))
	for i, s := range pcm {
		frame[i] = LinearToUlaw(s)
	}
	return frame
}

// BytesToPCM interprets little-endian 16-bit sample bytes as PCM
// samples. A trailing odd byte is dropped.
func BytesToPCM(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return pcm
}

// PCMToBytes serializes PCM samples as little-endian 16-bit bytes.
func PCMToBytes(pcm []int16) []byte {
	b := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		b[2*i] = byte(uint16(s))
		b[2*i+1] = byte(uint16(s) >> 8)
	}
	return b
}
