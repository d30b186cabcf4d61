package session

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteStream aggregates the remote tracks received from one participant.
// Tracks accumulate as they arrive and are pruned individually when they
// end; the aggregate is never replaced wholesale while the peer lives.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
}

// Tracks returns a snapshot of the live remote tracks.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Empty reports whether all tracks have ended.
func (s *RemoteStream) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks) == 0
}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) remove(t *webrtc.TrackRemote) {
	s.mu.Lock()
	for i, existing := range s.tracks {
		if existing == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Participant is one remote party in the call.
type Participant struct {
	ID            string
	DisplayName   string
	CameraEnabled bool
	MicEnabled    bool
	ScreenEnabled bool
	Stream        *RemoteStream
}
