package media

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// loopbackOpener fabricates capture tracks without touching hardware, the
// way browsers expose fake media devices. Used by the -fake-media flag and
// by tests; the produced tracks carry real source tags but synthetic
// content.
type loopbackOpener struct{}

// NewLoopbackOpener returns an opener producing fake capture tracks.
func NewLoopbackOpener() DeviceOpener { return loopbackOpener{} }

func (loopbackOpener) OpenCamera(streamID string) (*Track, error) {
	return newLoopbackTrack(webrtc.RTPCodecTypeVideo, SourceDevice, streamID)
}

func (loopbackOpener) OpenMicrophone(streamID string) (*Track, error) {
	return newLoopbackTrack(webrtc.RTPCodecTypeAudio, SourceDevice, streamID)
}

func (loopbackOpener) OpenScreen(streamID string) (*Track, error) {
	return newLoopbackTrack(webrtc.RTPCodecTypeVideo, SourceDisplay, streamID)
}

func newLoopbackTrack(kind webrtc.RTPCodecType, source Source, streamID string) (*Track, error) {
	codec := videoCodec
	prefix := "video-"
	payload := blackKeyframe
	interval := syntheticFrameInterval
	tsStep := uint32(syntheticVideoTSStep)
	marker := true
	if kind == webrtc.RTPCodecTypeAudio {
		codec = audioCodec
		prefix = "audio-"
		payload = opusSilence
		interval = syntheticAudioInterval
		tsStep = syntheticAudioTSStep
		marker = false
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codec, prefix+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create loopback track: %w", err)
	}
	t := &Track{
		kind:   kind,
		source: source,
		local:  local,
	}
	t.enabled.Store(true)
	t.stop = startSyntheticPump(local, payload, interval, tsStep, marker)
	return t, nil
}
