package media

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	rtpMTU = 1200

	videoClockRate = 90000
	audioClockRate = 48000

	// Synthetic video runs at 5 fps; just enough to keep decoders fed.
	syntheticFrameInterval = 200 * time.Millisecond
	syntheticVideoTSStep   = videoClockRate / 5

	// Opus frames every 20 ms.
	syntheticAudioInterval = 20 * time.Millisecond
	syntheticAudioTSStep   = audioClockRate / 50
)

var videoCodec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeVP8,
	ClockRate: videoClockRate,
}

var audioCodec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   audioClockRate,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// blackKeyframe is a pre-encoded 2x2 black VP8 keyframe behind a one-byte
// payload descriptor (S bit set). Repeating the same keyframe renders a
// static black picture on the receiving side.
var blackKeyframe = []byte{
	0x10,
	0x30, 0x00, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00,
	0x02, 0xc3, 0xb8, 0x0d, 0x06, 0x00, 0xa0, 0x00, 0xfe, 0xfb,
	0xfd, 0x50, 0x00,
}

// opusSilence is a single Opus DTX frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// NewSyntheticVideo returns a disabled placeholder video track producing
// black frames at 5 fps.
func NewSyntheticVideo(streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(videoCodec, "video-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthetic video track: %w", err)
	}
	t := &Track{
		kind:   webrtc.RTPCodecTypeVideo,
		source: SourceSynthetic,
		local:  local,
	}
	t.stop = startSyntheticPump(local, blackKeyframe, syntheticFrameInterval, syntheticVideoTSStep, true)
	return t, nil
}

// NewSyntheticAudio returns a disabled placeholder audio track producing
// Opus silence. Keeping the encoder fed means the receiving side hears
// silence instead of a halted stream.
func NewSyntheticAudio(streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(audioCodec, "audio-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthetic audio track: %w", err)
	}
	t := &Track{
		kind:   webrtc.RTPCodecTypeAudio,
		source: SourceSynthetic,
		local:  local,
	}
	t.stop = startSyntheticPump(local, opusSilence, syntheticAudioInterval, syntheticAudioTSStep, false)
	return t, nil
}

// startSyntheticPump writes the same payload on a fixed cadence until the
// returned stop function is called.
func startSyntheticPump(local *webrtc.TrackLocalStaticRTP, payload []byte, interval time.Duration, tsStep uint32, marker bool) func() {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		ssrc := uuid.New().ID()
		var seq uint16
		var ts uint32

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				pkt := &rtp.Packet{
					Header: rtp.Header{
						Version:        2,
						Marker:         marker,
						SequenceNumber: seq,
						Timestamp:      ts,
						SSRC:           ssrc,
					},
					Payload: payload,
				}
				// Write errors just mean no binding is live yet.
				_ = local.WriteRTP(pkt)
				seq++
				ts += tsStep
			}
		}
	}()

	return func() { close(done) }
}
