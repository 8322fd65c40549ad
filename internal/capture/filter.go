package capture

import "math"

// biquad is a direct-form-1 second-order IIR filter section with
// coefficients from the Audio EQ Cookbook (Q = 1/√2, Butterworth).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

func (f *biquad) reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}

func newHighPass(sampleRate, cutoff float64) *biquad {
	w0 := 2 * math.Pi * cutoff / sampleRate
	cosw0 := math.Cos(w0)
	alpha := math.Sin(w0) / math.Sqrt2

	a0 := 1 + alpha
	return &biquad{
		b0: (1 + cosw0) / 2 / a0,
		b1: -(1 + cosw0) / a0,
		b2: (1 + cosw0) / 2 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

func newLowPass(sampleRate, cutoff float64) *biquad {
	w0 := 2 * math.Pi * cutoff / sampleRate
	cosw0 := math.Cos(w0)
	alpha := math.Sin(w0) / math.Sqrt2

	a0 := 1 + alpha
	return &biquad{
		b0: (1 - cosw0) / 2 / a0,
		b1: (1 - cosw0) / a0,
		b2: (1 - cosw0) / 2 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// voiceBandFilter restricts energy measurement to the human-voice band so
// that low-frequency rumble (air conditioning, handling noise) and
// out-of-band hiss do not register as speech.
type voiceBandFilter struct {
	sections []*biquad
}

// newVoiceBandFilter builds a band-pass for [low, high] Hz at the given
// sample rate. An upper edge at or above Nyquist disables the low-pass
// section, since there is nothing above it to remove.
func newVoiceBandFilter(sampleRate int, low, high float64) *voiceBandFilter {
	rate := float64(sampleRate)
	sections := []*biquad{newHighPass(rate, low)}
	if high < rate/2 {
		sections = append(sections, newLowPass(rate, high))
	}
	return &voiceBandFilter{sections: sections}
}

// rms filters one frame of little-endian int16 PCM and returns the
// root-mean-square level of the result, normalized to [0, 1].
func (f *voiceBandFilter) rms(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768.0
		for _, sec := range f.sections {
			s = sec.process(s)
		}
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

func (f *voiceBandFilter) reset() {
	for _, sec := range f.sections {
		sec.reset()
	}
}
