package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/sibilla-voice/sibilla/pkg/audio"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func assertSamples(t *testing.T, got []byte, want []int16) {
	t.Helper()
	gotSamples := bytesToSamples(got)
	if len(gotSamples) != len(want) {
		t.Fatalf("length mismatch: got %d samples, want %d", len(gotSamples), len(want))
	}
	for i := range want {
		if gotSamples[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, gotSamples[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	assertSamples(t, audio.MonoToStereo(mono), []int16{100, 100, 200, 200, 300, 300})
}

func TestResampleMono16_SameRateReturnsInput(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 24000, 24000)
	if &out[0] != &pcm[0] {
		t.Error("same-rate resample should return the input slice untouched")
	}
}

func TestResampleMono16_InvalidRatesReturnInput(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	if out := audio.ResampleMono16(pcm, 0, 48000); len(out) != len(pcm) {
		t.Errorf("zero source rate: got %d bytes, want input back", len(out))
	}
	if out := audio.ResampleMono16(pcm, 24000, -1); len(out) != len(pcm) {
		t.Errorf("negative target rate: got %d bytes, want input back", len(out))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16 kHz become 6 samples at 48 kHz.
	pcm := samplesToBytes([]int16{1000, 2000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 16000, 48000))

	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	// The tail holds the last source value; interpolation never overshoots.
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("sample %d: %d < %d, interpolation of a ramp must be monotonic", i, got[i], got[i-1])
		}
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48 kHz shrink to 2 at 16 kHz.
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	got := bytesToSamples(audio.ResampleMono16(pcm, 48000, 16000))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 100 {
		t.Errorf("first sample: got %d, want 100", got[0])
	}
}

func TestResampleMono16_PreservesDuration(t *testing.T) {
	// 240 samples of 24 kHz audio are 10 ms; at 48 kHz that is 480 samples.
	src := make([]int16, 240)
	for i := range src {
		src[i] = int16(i * 10)
	}
	out := audio.ResampleMono16(samplesToBytes(src), 24000, 48000)
	if got := len(out) / 2; got != 480 {
		t.Errorf("resampled to %d samples, want 480", got)
	}
}

func TestResampleMono16_TinyInput(t *testing.T) {
	if out := audio.ResampleMono16([]byte{0x01}, 16000, 48000); len(out) != 1 {
		t.Errorf("sub-sample input should be returned unchanged, got %d bytes", len(out))
	}
	if out := audio.ResampleMono16(nil, 16000, 48000); out != nil {
		t.Errorf("nil input should stay nil, got %d bytes", len(out))
	}
}
