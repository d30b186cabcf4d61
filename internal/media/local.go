package media

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options states the caller's requested initial enablement.
type Options struct {
	Video bool
	Audio bool
}

// LocalMedia holds the local track set: exactly one audio and one video
// track at all times. Swaps go through SetVideo/SetAudio so the invariant
// cannot be violated from outside.
type LocalMedia struct {
	logger   *zap.Logger
	opener   DeviceOpener
	streamID string

	mu    sync.Mutex
	video *Track
	audio *Track
}

// Acquire builds the local track set. Device acquisition failures degrade to
// synthetic placeholder tracks instead of failing the call; only the (local,
// deviceless) synthetic construction can error.
func Acquire(opts Options, opener DeviceOpener, logger *zap.Logger) (*LocalMedia, error) {
	m := &LocalMedia{
		logger:   logger.Named("media"),
		opener:   opener,
		streamID: "local-" + uuid.NewString(),
	}

	if opts.Video {
		track, err := opener.OpenCamera(m.streamID)
		if err != nil {
			m.logger.Warn("Camera unavailable, using black placeholder", zap.Error(err))
		} else {
			m.video = track
		}
	}
	if m.video == nil {
		track, err := NewSyntheticVideo(m.streamID)
		if err != nil {
			return nil, fmt.Errorf("failed to build placeholder video: %w", err)
		}
		m.video = track
	}

	if opts.Audio {
		track, err := opener.OpenMicrophone(m.streamID)
		if err != nil {
			m.logger.Warn("Microphone unavailable, using silent placeholder", zap.Error(err))
		} else {
			m.audio = track
		}
	}
	if m.audio == nil {
		track, err := NewSyntheticAudio(m.streamID)
		if err != nil {
			m.video.Stop()
			return nil, fmt.Errorf("failed to build placeholder audio: %w", err)
		}
		m.audio = track
	}

	m.logger.Info("Local media ready",
		zap.Stringer("video", m.video.Source()),
		zap.Stringer("audio", m.audio.Source()))
	return m, nil
}

// StreamID is the shared stream id of both local tracks.
func (m *LocalMedia) StreamID() string { return m.streamID }

// Opener exposes the device opener for toggle paths that need to request a
// real device later.
func (m *LocalMedia) Opener() DeviceOpener { return m.opener }

// Video returns the current video track.
func (m *LocalMedia) Video() *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

// Audio returns the current audio track.
func (m *LocalMedia) Audio() *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

// Tracks returns the audio and video tracks, audio first.
func (m *LocalMedia) Tracks() []*Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []*Track{m.audio, m.video}
}

// SetVideo swaps the video track and returns the previous one. The caller
// owns stopping the returned track once peer senders no longer use it.
func (m *LocalMedia) SetVideo(t *Track) *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.video
	m.video = t
	return old
}

// SetAudio swaps the audio track and returns the previous one.
func (m *LocalMedia) SetAudio(t *Track) *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.audio
	m.audio = t
	return old
}

// CameraEnabled is true only when the video track is a real, enabled device
// track. A placeholder never reports enabled.
func (m *LocalMedia) CameraEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video.Source() == SourceDevice && m.video.Enabled()
}

// MicEnabled is the audio analogue of CameraEnabled.
func (m *LocalMedia) MicEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio.Source() == SourceDevice && m.audio.Enabled()
}

// Close stops both tracks.
func (m *LocalMedia) Close() {
	m.mu.Lock()
	video, audio := m.video, m.audio
	m.mu.Unlock()
	if video != nil {
		video.Stop()
	}
	if audio != nil {
		audio.Stop()
	}
}
