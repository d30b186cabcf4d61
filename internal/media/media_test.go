package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// failingOpener refuses every device request, simulating denied permissions
// or missing hardware.
type failingOpener struct{}

func (failingOpener) OpenCamera(string) (*Track, error) {
	return nil, errors.New("no camera")
}

func (failingOpener) OpenMicrophone(string) (*Track, error) {
	return nil, errors.New("no microphone")
}

func (failingOpener) OpenScreen(string) (*Track, error) {
	return nil, errors.New("no display")
}

func TestSyntheticTracksStartDisabled(t *testing.T) {
	video, err := NewSyntheticVideo("stream-1")
	require.NoError(t, err)
	defer video.Stop()

	audio, err := NewSyntheticAudio("stream-1")
	require.NoError(t, err)
	defer audio.Stop()

	assert.Equal(t, webrtc.RTPCodecTypeVideo, video.Kind())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, audio.Kind())
	assert.Equal(t, SourceSynthetic, video.Source())
	assert.Equal(t, SourceSynthetic, audio.Source())
	assert.False(t, video.Real())
	assert.False(t, audio.Real())
	assert.False(t, video.Enabled(), "placeholder starts disabled")
	assert.False(t, audio.Enabled(), "placeholder starts disabled")
	assert.NotNil(t, video.Local())
	assert.NotNil(t, audio.Local())
}

func TestTrackEnableDisable(t *testing.T) {
	track, err := NewSyntheticVideo("stream-1")
	require.NoError(t, err)
	defer track.Stop()

	track.SetEnabled(true)
	assert.True(t, track.Enabled())
	track.SetEnabled(false)
	assert.False(t, track.Enabled())
}

func TestTrackStopIsIdempotent(t *testing.T) {
	track, err := NewSyntheticAudio("stream-1")
	require.NoError(t, err)

	track.Stop()
	track.Stop() // must not panic on a second close of the pump
}

func TestStoppedTrackNeverFiresEnded(t *testing.T) {
	track, err := NewSyntheticVideo("stream-1")
	require.NoError(t, err)

	var fired bool
	track.OnEnded(func() { fired = true })
	track.Stop()
	track.fireEnded()
	assert.False(t, fired, "Stop must suppress OnEnded")
}

func TestFireEndedRunsCallback(t *testing.T) {
	track, err := NewSyntheticVideo("stream-1")
	require.NoError(t, err)
	defer track.Stop()

	var fired bool
	track.OnEnded(func() { fired = true })
	track.fireEnded()
	assert.True(t, fired)
}

func TestAcquireWithLoopbackDevices(t *testing.T) {
	m, err := Acquire(Options{Video: true, Audio: true}, NewLoopbackOpener(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close()

	tracks := m.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())

	assert.Equal(t, SourceDevice, m.Video().Source())
	assert.Equal(t, SourceDevice, m.Audio().Source())
	assert.True(t, m.CameraEnabled())
	assert.True(t, m.MicEnabled())
}

func TestAcquireDegradesToSynthetic(t *testing.T) {
	m, err := Acquire(Options{Video: true, Audio: true}, failingOpener{}, zaptest.NewLogger(t))
	require.NoError(t, err, "device failure must not fail acquisition")
	defer m.Close()

	assert.Equal(t, SourceSynthetic, m.Video().Source())
	assert.Equal(t, SourceSynthetic, m.Audio().Source())
	assert.False(t, m.CameraEnabled())
	assert.False(t, m.MicEnabled())
}

func TestAcquireWithoutRequestsIsSynthetic(t *testing.T) {
	m, err := Acquire(Options{}, NewLoopbackOpener(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close()

	// Opting out of devices still yields the full track pair.
	require.Len(t, m.Tracks(), 2)
	assert.Equal(t, SourceSynthetic, m.Video().Source())
	assert.Equal(t, SourceSynthetic, m.Audio().Source())
}

func TestTracksShareStreamID(t *testing.T) {
	m, err := Acquire(Options{Video: true, Audio: true}, NewLoopbackOpener(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close()

	video := m.Video().local
	audio := m.Audio().local
	assert.Equal(t, m.StreamID(), video.StreamID())
	assert.Equal(t, m.StreamID(), audio.StreamID())
	assert.NotEqual(t, video.ID(), audio.ID())
}

func TestSetVideoReturnsPrevious(t *testing.T) {
	m, err := Acquire(Options{}, NewLoopbackOpener(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close()

	old := m.Video()
	replacement, err := NewLoopbackOpener().OpenCamera(m.StreamID())
	require.NoError(t, err)

	returned := m.SetVideo(replacement)
	assert.Same(t, old, returned)
	assert.Same(t, replacement, m.Video())
	old.Stop()
	assert.True(t, m.CameraEnabled())
}

func TestSetAudioReturnsPrevious(t *testing.T) {
	m, err := Acquire(Options{Audio: true}, NewLoopbackOpener(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close()

	old := m.Audio()
	silence, err := NewSyntheticAudio(m.StreamID())
	require.NoError(t, err)

	returned := m.SetAudio(silence)
	assert.Same(t, old, returned)
	old.Stop()
	assert.False(t, m.MicEnabled(), "synthetic audio never reports mic enabled")
}

func TestLoopbackScreenTrack(t *testing.T) {
	track, err := NewLoopbackOpener().OpenScreen("stream-1")
	require.NoError(t, err)
	defer track.Stop()

	assert.Equal(t, SourceDisplay, track.Source())
	assert.True(t, track.Real())
	assert.True(t, track.Enabled())
}

func TestSourceString(t *testing.T) {
	assert.Equal(t, "synthetic", SourceSynthetic.String())
	assert.Equal(t, "device", SourceDevice.String())
	assert.Equal(t, "display", SourceDisplay.String())
}
