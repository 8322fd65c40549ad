package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/sibilla-voice/sibilla/pkg/audio"
	"github.com/sibilla-voice/sibilla/pkg/types"
)

// captureSampleRate is the PCM rate voice clients must send: 16 kHz mono
// s16le, one binary frame per audio chunk.
const captureSampleRate = 16000

// frameBuffer is the capture channel depth. Clients keep streaming while
// the assistant is replying; frames that arrive once the buffer is full are
// dropped, and the turn detector discards whatever queued here when playback
// ends.
const frameBuffer = 256

// controlMessage is the JSON payload of a text frame in either direction.
type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// wsDevice adapts one voice websocket connection to the audio device
// interfaces: binary frames from the peer become capture frames, and
// synthesized clips are written back as binary frames. A text frame
// `{"type":"end"}` invokes the end callback.
//
// It implements both [audio.CaptureDevice] and [audio.PlaybackDevice].
type wsDevice struct {
	conn   *websocket.Conn
	logger *slog.Logger
	onEnd  func()

	frames chan types.AudioFrame
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
	closed  bool
	dropped int
}

var (
	_ audio.CaptureDevice  = (*wsDevice)(nil)
	_ audio.PlaybackDevice = (*wsDevice)(nil)
)

func newWSDevice(conn *websocket.Conn, logger *slog.Logger) *wsDevice {
	return &wsDevice{
		conn:   conn,
		logger: logger,
		frames: make(chan types.AudioFrame, frameBuffer),
	}
}

// Start launches the read loop. Implements [audio.CaptureDevice].
func (d *wsDevice) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	go d.readLoop(ctx)
	return nil
}

// readLoop pumps inbound websocket messages until the connection drops or
// the device is stopped. It owns closing the frame channel.
func (d *wsDevice) readLoop(ctx context.Context) {
	defer close(d.frames)

	for {
		typ, data, err := d.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Debug("voice socket read ended", "error", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			select {
			case d.frames <- types.AudioFrame{
				Data:       data,
				SampleRate: captureSampleRate,
				Channels:   1,
			}:
			default:
				d.mu.Lock()
				d.dropped++
				d.mu.Unlock()
			}

		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				d.logger.Debug("unparseable control frame", "error", err)
				continue
			}
			if msg.Type == "end" && d.onEnd != nil {
				d.onEnd()
			}
		}
	}
}

// Frames implements [audio.CaptureDevice].
func (d *wsDevice) Frames() <-chan types.AudioFrame {
	return d.frames
}

// Stop ends capture. Implements [audio.CaptureDevice].
func (d *wsDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
	} else {
		// Start was never called; nobody else will close the channel.
		close(d.frames)
	}
	if d.dropped > 0 {
		d.logger.Debug("dropped capture frames while busy", "count", d.dropped)
	}
	return nil
}

// Play writes one synthesized clip to the peer as a binary frame.
// Implements [audio.PlaybackDevice].
func (d *wsDevice) Play(ctx context.Context, segment types.AudioSegment) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return audio.ErrDeviceClosed
	}
	return d.conn.Write(ctx, websocket.MessageBinary, segment.Data)
}

// Flush implements [audio.PlaybackDevice]. The socket has no replayable
// buffer on this side; discarding is the peer's concern.
func (d *wsDevice) Flush() error {
	return nil
}

// Close implements [audio.PlaybackDevice].
func (d *wsDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.conn.Close(websocket.StatusNormalClosure, "consultation over")
}

// sendControl writes a JSON control event as a text frame. Errors are
// logged, not returned; control frames are best effort.
func (d *wsDevice) sendControl(ctx context.Context, msg controlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := d.conn.Write(ctx, websocket.MessageText, data); err != nil {
		d.logger.Debug("control frame write failed", "type", msg.Type, "error", err)
	}
}
