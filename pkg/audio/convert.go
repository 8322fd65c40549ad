package audio

// PCM helpers for 16-bit little-endian samples. The capture pipeline is mono
// 16 kHz end to end; conversions happen on the output side only, where
// synthesized clips are resampled to the speaker's fixed rate and duplicated
// to stereo.

// sample16 reads the little-endian int16 at sample index i.
func sample16(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// put16 writes s as little-endian int16 at sample index i.
func put16(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. When srcRate equals dstRate, or the input is shorter
// than one sample, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample16(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample16(pcm, idx+1)
		}
		put16(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair, for output
// devices that only accept stereo streams.
func MonoToStereo(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples*4)
	for i := range samples {
		s := sample16(pcm, i)
		put16(out, i*2, s)
		put16(out, i*2+1, s)
	}
	return out
}
