// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice] and [audio.PlaybackDevice] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	cap := mock.NewCaptureDevice(16)
//	cap.PushFrame(types.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	cap.EndStream()
//	play := &mock.PlaybackDevice{}
package mock

import (
	"context"
	"sync"

	"github.com/sibilla-voice/sibilla/pkg/types"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
// Feed it frames with [CaptureDevice.PushFrame] and close the stream with
// [CaptureDevice.EndStream]; inspect the Call* fields after the test.
type CaptureDevice struct {
	mu sync.Mutex

	// StartError is returned by Start. Use audio.ErrPermissionDenied to
	// simulate a denied microphone.
	StartError error

	// StopError is returned by Stop.
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	frames chan types.AudioFrame
	ended  bool
}

// NewCaptureDevice returns a mock capture device whose frame channel has the
// given buffer size.
func NewCaptureDevice(buffer int) *CaptureDevice {
	return &CaptureDevice{frames: make(chan types.AudioFrame, buffer)}
}

// Start implements [audio.CaptureDevice]. Records the call and returns StartError.
func (c *CaptureDevice) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	return c.StartError
}

// Frames implements [audio.CaptureDevice].
func (c *CaptureDevice) Frames() <-chan types.AudioFrame {
	return c.frames
}

// Stop implements [audio.CaptureDevice]. Closes the frame channel on first
// call and returns StopError.
func (c *CaptureDevice) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	if !c.ended {
		c.ended = true
		close(c.frames)
	}
	return c.StopError
}

// PushFrame makes frame available on the Frames channel.
// Panics if the stream has ended; blocks if the buffer is full.
func (c *CaptureDevice) PushFrame(frame types.AudioFrame) {
	c.frames <- frame
}

// EndStream closes the frame channel without counting as a Stop call.
// Use this to simulate the device shutting down on its own.
func (c *CaptureDevice) EndStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		c.ended = true
		close(c.frames)
	}
}

// ─── PlaybackDevice ───────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [PlaybackDevice.Play] invocation.
type PlayCall struct {
	// Segment is the audio segment passed to Play.
	Segment types.AudioSegment
}

// PlaybackDevice is a mock implementation of [audio.PlaybackDevice].
type PlaybackDevice struct {
	mu sync.Mutex

	// PlayError is returned by Play.
	PlayError error

	// FlushError is returned by Flush.
	FlushError error

	// CloseError is returned by Close.
	CloseError error

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Play implements [audio.PlaybackDevice]. Records the call and returns PlayError.
func (p *PlaybackDevice) Play(_ context.Context, segment types.AudioSegment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlayCalls = append(p.PlayCalls, PlayCall{Segment: segment})
	return p.PlayError
}

// Flush implements [audio.PlaybackDevice]. Records the call and returns FlushError.
func (p *PlaybackDevice) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountFlush++
	return p.FlushError
}

// Close implements [audio.PlaybackDevice]. Records the call and returns CloseError.
func (p *PlaybackDevice) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return p.CloseError
}

// PlayCount returns how many times Play was called.
func (p *PlaybackDevice) PlayCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.PlayCalls)
}

// LastSegment returns the segment from the most recent Play call, or the
// zero value if Play was never called.
func (p *PlaybackDevice) LastSegment() types.AudioSegment {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.PlayCalls) == 0 {
		return types.AudioSegment{}
	}
	return p.PlayCalls[len(p.PlayCalls)-1].Segment
}
