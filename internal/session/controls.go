package session

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/jobmesh/meetrtc/internal/media"
)

// ToggleCamera flips the camera. On a real track this is a sender-side mute
// needing no renegotiation. On a placeholder it requests the actual device,
// swaps it into the local stream and every sender, and renegotiates because
// the new transceiver needs an SDP round-trip. Returns the new enablement.
func (s *Session) ToggleCamera() (bool, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false, ErrSessionEnded
	}
	video := s.media.Video()
	if video.Source() == media.SourceDevice {
		video.SetEnabled(!video.Enabled())
		s.mu.Unlock()
		s.broadcastMediaState()
		return s.media.CameraEnabled(), nil
	}
	s.mu.Unlock()

	track, err := s.media.Opener().OpenCamera(s.media.StreamID())
	if err != nil {
		return false, fmt.Errorf("camera request failed: %w", err)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		track.Stop()
		return false, ErrSessionEnded
	}
	old := s.media.SetVideo(track)
	s.replaceSendersLocked(webrtc.RTPCodecTypeVideo, track)
	s.mu.Unlock()

	old.Stop()
	s.renegotiateAll()
	s.broadcastMediaState()
	return true, nil
}

// ToggleMic flips the microphone. Muting swaps the device track for a
// silent placeholder so the encoder keeps sending audio frames instead of
// halting the stream; unmuting restores the saved device track (or requests
// one). Both directions renegotiate. Returns the new enablement.
func (s *Session) ToggleMic() (bool, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false, ErrSessionEnded
	}
	audio := s.media.Audio()

	if audio.Source() == media.SourceDevice && audio.Enabled() {
		dummy, err := media.NewSyntheticAudio(s.media.StreamID())
		if err != nil {
			s.mu.Unlock()
			return true, fmt.Errorf("failed to build silent track: %w", err)
		}
		old := s.media.SetAudio(dummy)
		old.SetEnabled(false)
		s.savedAudio = old
		s.replaceSendersLocked(webrtc.RTPCodecTypeAudio, dummy)
		s.mu.Unlock()

		s.renegotiateAll()
		s.broadcastMediaState()
		return false, nil
	}

	restored := s.savedAudio
	s.savedAudio = nil
	s.mu.Unlock()

	if restored == nil {
		var err error
		restored, err = s.media.Opener().OpenMicrophone(s.media.StreamID())
		if err != nil {
			return false, fmt.Errorf("microphone request failed: %w", err)
		}
	} else {
		restored.SetEnabled(true)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		restored.Stop()
		return false, ErrSessionEnded
	}
	old := s.media.SetAudio(restored)
	s.replaceSendersLocked(webrtc.RTPCodecTypeAudio, restored)
	s.mu.Unlock()

	old.Stop()
	s.renegotiateAll()
	s.broadcastMediaState()
	return true, nil
}

// StartScreenShare swaps a display capture into the video senders. This is
// a content swap on the existing sender, so no renegotiation is needed. The
// camera track is kept aside for restoration. When the user stops capture
// from the OS picker, the track's ended signal stops the share.
func (s *Session) StartScreenShare() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.screenSharing {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	track, err := s.media.Opener().OpenScreen(s.media.StreamID())
	if err != nil {
		return fmt.Errorf("display capture failed: %w", err)
	}
	track.OnEnded(func() {
		if err := s.StopScreenShare(); err != nil {
			s.logger.Warn("Auto screen-share stop failed", zap.Error(err))
		}
	})

	s.mu.Lock()
	if s.ended || s.screenSharing {
		s.mu.Unlock()
		track.Stop()
		return nil
	}
	s.screenSharing = true
	s.savedVideo = s.media.SetVideo(track)
	s.replaceSendersLocked(webrtc.RTPCodecTypeVideo, track)
	s.mu.Unlock()

	if err := s.transport.SendScreenState(s.selfID, true); err != nil {
		s.logger.Warn("Failed to broadcast screen state", zap.Error(err))
	}
	s.logger.Info("Screen share started")
	return nil
}

// StopScreenShare restores the pre-share video: the saved camera track when
// it was live, otherwise a fresh black placeholder.
func (s *Session) StopScreenShare() error {
	s.mu.Lock()
	if !s.screenSharing {
		s.mu.Unlock()
		return nil
	}
	s.screenSharing = false
	saved := s.savedVideo
	s.savedVideo = nil
	s.mu.Unlock()

	var restore *media.Track
	if saved != nil && saved.Source() == media.SourceDevice && saved.Enabled() {
		restore = saved
	} else {
		if saved != nil {
			saved.Stop()
		}
		var err error
		restore, err = media.NewSyntheticVideo(s.media.StreamID())
		if err != nil {
			return fmt.Errorf("failed to build placeholder video: %w", err)
		}
	}

	s.mu.Lock()
	display := s.media.SetVideo(restore)
	s.replaceSendersLocked(webrtc.RTPCodecTypeVideo, restore)
	ended := s.ended
	s.mu.Unlock()

	display.Stop()

	if !ended {
		if err := s.transport.SendScreenState(s.selfID, false); err != nil {
			s.logger.Warn("Failed to broadcast screen state", zap.Error(err))
		}
	}
	s.logger.Info("Screen share stopped")
	return nil
}

// replaceSendersLocked swaps the given track into the matching sender of
// every live connection, adding a sender where none exists. Caller holds
// s.mu.
func (s *Session) replaceSendersLocked(kind webrtc.RTPCodecType, track *media.Track) {
	for _, entry := range s.peers {
		sender := entry.audioSender
		if kind == webrtc.RTPCodecTypeVideo {
			sender = entry.videoSender
		}
		if sender != nil {
			if err := sender.ReplaceTrack(track.Local()); err != nil {
				s.logger.Warn("Failed to replace sender track",
					zap.String("peer", entry.id), zap.Error(err))
			}
			continue
		}
		added, err := entry.pc.AddTrack(track.Local())
		if err != nil {
			s.logger.Warn("Failed to add sender track",
				zap.String("peer", entry.id), zap.Error(err))
			continue
		}
		if kind == webrtc.RTPCodecTypeVideo {
			entry.videoSender = added
		} else {
			entry.audioSender = added
		}
	}
}

// renegotiateAll sends a fresh offer to every live peer. Used only by the
// toggle paths that change transceivers; enable/disable and ReplaceTrack
// paths never renegotiate.
func (s *Session) renegotiateAll() {
	s.mu.Lock()
	entries := make([]*peerEntry, 0, len(s.peers))
	for _, e := range s.peers {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		s.mu.Lock()
		err := s.sendOfferLocked(entry, false)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("Renegotiation offer failed",
				zap.String("peer", entry.id), zap.Error(err))
		}
	}
}

// broadcastMediaState pushes our current camera/mic enablement to the room.
func (s *Session) broadcastMediaState() {
	if err := s.transport.SendMediaState(s.selfID, s.media.CameraEnabled(), s.media.MicEnabled()); err != nil {
		s.logger.Warn("Failed to broadcast media state", zap.Error(err))
	}
}
