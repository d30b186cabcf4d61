package media

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // register screen adapter
)

// DeviceOpener abstracts capture-device access so toggle logic and tests do
// not depend on actual hardware.
type DeviceOpener interface {
	OpenCamera(streamID string) (*Track, error)
	OpenMicrophone(streamID string) (*Track, error)
	OpenScreen(streamID string) (*Track, error)
}

// CaptureConfig holds the ideal video capture parameters.
type CaptureConfig struct {
	Width     int
	Height    int
	Framerate int
}

type deviceOpener struct {
	cfg    CaptureConfig
	logger *zap.Logger
	codec  *mediadevices.CodecSelector
}

// NewDeviceOpener builds the mediadevices-backed opener with VP8 video and
// Opus audio encoders.
func NewDeviceOpener(cfg CaptureConfig, logger *zap.Logger) (DeviceOpener, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return &deviceOpener{
		cfg:    cfg,
		logger: logger.Named("capture"),
		codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (o *deviceOpener) OpenCamera(streamID string) (*Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(o.cfg.Width)
			c.Height = prop.Int(o.cfg.Height)
			c.FrameRate = prop.Float(o.cfg.Framerate)
		},
		Codec: o.codec,
	})
	if err != nil {
		return nil, fmt.Errorf("camera capture failed: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("camera stream has no video track")
	}
	return o.wrap(tracks[0], webrtc.RTPCodecTypeVideo, SourceDevice, streamID, "camera")
}

func (o *deviceOpener) OpenMicrophone(streamID string) (*Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(audioClockRate)
			c.ChannelCount = prop.Int(1)
		},
		Codec: o.codec,
	})
	if err != nil {
		return nil, fmt.Errorf("microphone capture failed: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("microphone stream has no audio track")
	}
	return o.wrap(tracks[0], webrtc.RTPCodecTypeAudio, SourceDevice, streamID, "microphone")
}

func (o *deviceOpener) OpenScreen(streamID string) (*Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: o.codec,
	})
	if err != nil {
		return nil, fmt.Errorf("display capture failed: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("display stream has no video track")
	}
	return o.wrap(tracks[0], webrtc.RTPCodecTypeVideo, SourceDisplay, streamID, "screen")
}

func (o *deviceOpener) wrap(src mediadevices.Track, kind webrtc.RTPCodecType, source Source, streamID, label string) (*Track, error) {
	codec := videoCodec
	prefix := "video-"
	if kind == webrtc.RTPCodecTypeAudio {
		codec = audioCodec
		prefix = "audio-"
	}
	local, err := webrtc.NewTrackLocalStaticRTP(codec, prefix+uuid.NewString(), streamID)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create local %s track: %w", label, err)
	}

	t := &Track{
		kind:   kind,
		source: source,
		local:  local,
	}
	t.enabled.Store(true)

	stopPump := startDevicePump(src, local, t, o.logger.With(zap.String("capture", label)))
	t.stop = func() {
		stopPump()
		src.Close()
	}
	src.OnEnded(func(error) { t.fireEnded() })

	return t, nil
}

// startDevicePump reads encoded RTP from the capture track and forwards it
// into the local track while the track is enabled. A read failure means the
// source ended.
func startDevicePump(src mediadevices.Track, local *webrtc.TrackLocalStaticRTP, t *Track, logger *zap.Logger) func() {
	done := make(chan struct{})

	go func() {
		reader, err := src.NewRTPReader(local.Codec().MimeType, uuid.New().ID(), rtpMTU)
		if err != nil {
			logger.Error("Failed to create RTP reader", zap.Error(err))
			t.fireEnded()
			return
		}
		defer reader.Close()

		for {
			select {
			case <-done:
				return
			default:
			}

			packets, release, err := reader.Read()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Warn("Capture read failed", zap.Error(err))
				}
				t.fireEnded()
				return
			}
			for _, packet := range packets {
				if t.Enabled() {
					if werr := local.WriteRTP(packet); werr != nil {
						logger.Debug("Dropped RTP write", zap.Error(werr))
					}
				}
			}
			if release != nil {
				release()
			}
		}
	}()

	return func() { close(done) }
}
