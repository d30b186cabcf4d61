// Package media owns the local track set: exactly one audio and one video
// track at all times, each backed by either a capture device, a display
// capture, or a synthetic placeholder source (black frames / silence).
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Source tags where a track's frames come from. Toggle logic branches on
// the tag: a synthetic track means "needs a device request", a device track
// means "flip enabled".
type Source int

const (
	SourceSynthetic Source = iota
	SourceDevice
	SourceDisplay
)

func (s Source) String() string {
	switch s {
	case SourceDevice:
		return "device"
	case SourceDisplay:
		return "display"
	default:
		return "synthetic"
	}
}

// Track pairs a webrtc local track with its source pump. The pump goroutine
// writes RTP into the local track for as long as the track is alive;
// disabling a track pauses writes without stopping the pump.
type Track struct {
	kind   webrtc.RTPCodecType
	source Source
	local  *webrtc.TrackLocalStaticRTP

	enabled atomic.Bool

	mu      sync.Mutex
	stopped bool
	stop    func()
	onEnded func()
}

// Kind reports audio or video.
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

// Source reports the track's source tag.
func (t *Track) Source() Source { return t.source }

// Real reports whether the track is backed by an actual capture source
// rather than a synthetic placeholder.
func (t *Track) Real() bool { return t.source != SourceSynthetic }

// Local exposes the underlying track for peer connection senders.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Enabled reports whether the pump is currently writing frames.
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled pauses or resumes frame writes. This is a sender-side mute;
// no renegotiation is involved.
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// OnEnded registers a callback fired once when the source ends on its own,
// e.g. the user stops a display capture from the OS picker.
func (t *Track) OnEnded(f func()) {
	t.mu.Lock()
	t.onEnded = f
	t.mu.Unlock()
}

func (t *Track) fireEnded() {
	t.mu.Lock()
	f := t.onEnded
	stopped := t.stopped
	t.mu.Unlock()
	if f != nil && !stopped {
		f()
	}
}

// Stop halts the pump and releases the source. Idempotent. A stopped track
// never fires OnEnded.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stop := t.stop
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}
