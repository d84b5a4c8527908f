package codec

// Telephone and assistant sample rates. The telephone leg is fixed at
// 8 kHz by the G.711 codec; the assistant leg expects 24 kHz PCM16.
const (
	TelephoneRate = 8000
	AssistantRate = 24000
)

// Resample converts PCM samples from one sample rate to another using
// linear interpolation between neighbouring input samples. It returns
// the input unchanged when the rates match, and nil for empty input.
//
// Linear interpolation is cheap and good enough for speech; the 8 kHz
// leg has no content above 4 kHz anyway.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if len(in) == 0 {
		return nil
	}
	if fromRate == toRate {
		return in
	}

	outLen := len(in) * toRate / fromRate
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)

	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(in[idx])
		b := float64(in[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
