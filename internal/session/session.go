// Package session implements the call session: it owns the local media, the
// signaling transport, one peer connection per remote participant, and the
// participant registry. All mutable call state lives on the Session struct;
// nothing here outlives it.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/jobmesh/meetrtc/internal/media"
	"github.com/jobmesh/meetrtc/internal/signaling"
)

// ErrSessionEnded is returned by operations invoked after End.
var ErrSessionEnded = errors.New("session ended")

// Transport is the signaling surface the session needs. *signaling.Channel
// satisfies it; tests substitute a fake.
type Transport interface {
	Dial(join signaling.JoinRoom) error
	SendOffer(targetID string, offer webrtc.SessionDescription) error
	SendAnswer(targetID string, answer webrtc.SessionDescription) error
	SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error
	SendMediaState(participantID string, cameraEnabled, micEnabled bool) error
	SendScreenState(participantID string, screenEnabled bool) error
	Leave(meetingID, participantID string) error
	Close() error
}

// TrackSink receives every RTP packet read from remote tracks. Optional;
// when unset the session drains packets itself to keep feedback flowing.
type TrackSink func(participantID string, track *webrtc.TrackRemote, packet *rtp.Packet)

// Config identifies this client within a meeting.
type Config struct {
	MeetingID     string
	ParticipantID string // generated when empty
	DisplayName   string
	ICEServers    []webrtc.ICEServer
}

const (
	maxPeerConnections    = 12
	peerCreateMinInterval = 2 * time.Second
	offerRetryInterval    = time.Second
	offerMaxAttempts      = 3
	negotiationTimeout    = 30 * time.Second
	leaveFlushDelay       = 250 * time.Millisecond
)

// Session is one call attempt scoped to a meeting id.
type Session struct {
	logger      *zap.Logger
	meetingID   string
	selfID      string
	displayName string
	iceServers  []webrtc.ICEServer

	media     *media.LocalMedia
	transport Transport
	sink      TrackSink

	mu                sync.Mutex
	started           bool
	ended             bool
	peers             map[string]*peerEntry
	participants      map[string]*Participant
	lastAttempt       map[string]time.Time
	pendingCandidates map[string][]webrtc.ICECandidateInit
	pendingAnswers    map[string]webrtc.SessionDescription
	screenSharing     bool
	savedVideo        *media.Track
	savedAudio        *media.Track

	events chan Event
}

// New builds a session around already-acquired local media. Start must be
// called with a transport before any signaling happens.
func New(cfg Config, localMedia *media.LocalMedia, logger *zap.Logger) *Session {
	if cfg.ParticipantID == "" {
		cfg.ParticipantID = uuid.NewString()
	}
	return &Session{
		logger:            logger.Named("session").With(zap.String("meeting", cfg.MeetingID)),
		meetingID:         cfg.MeetingID,
		selfID:            cfg.ParticipantID,
		displayName:       cfg.DisplayName,
		iceServers:        cfg.ICEServers,
		media:             localMedia,
		peers:             make(map[string]*peerEntry),
		participants:      make(map[string]*Participant),
		lastAttempt:       make(map[string]time.Time),
		pendingCandidates: make(map[string][]webrtc.ICECandidateInit),
		pendingAnswers:    make(map[string]webrtc.SessionDescription),
		events:            make(chan Event, 32),
	}
}

// SetTrackSink registers the remote packet consumer. Must be called before
// Start.
func (s *Session) SetTrackSink(sink TrackSink) { s.sink = sink }

// Start attaches the transport and announces presence in the room.
func (s *Session) Start(transport Transport) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.transport = transport
	s.mu.Unlock()

	return transport.Dial(signaling.JoinRoom{
		MeetingID:       s.meetingID,
		ParticipantID:   s.selfID,
		ParticipantName: s.displayName,
		CameraEnabled:   s.media.CameraEnabled(),
		MicEnabled:      s.media.MicEnabled(),
	})
}

// ParticipantID returns our id within the meeting.
func (s *Session) ParticipantID() string { return s.selfID }

// Media exposes the local track set (the local preview).
func (s *Session) Media() *media.LocalMedia { return s.media }

// Events delivers session events. The channel closes when End completes.
func (s *Session) Events() <-chan Event { return s.events }

// CameraEnabled reports whether a real, enabled camera track is live.
func (s *Session) CameraEnabled() bool { return s.media.CameraEnabled() }

// MicEnabled reports whether a real, enabled microphone track is live.
func (s *Session) MicEnabled() bool { return s.media.MicEnabled() }

// ScreenSharing reports whether a display capture is active.
func (s *Session) ScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenSharing
}

// Participants returns a snapshot of the current remote participants.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// End tears the call down in dependency order: announce departure, stop
// local media, close every peer connection, clear participant state, then
// close the signaling channel after a short grace delay so the leave
// notification flushes. Idempotent.
func (s *Session) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	entries := make([]*peerEntry, 0, len(s.peers))
	for _, e := range s.peers {
		entries = append(entries, e)
	}
	transport := s.transport
	s.mu.Unlock()

	if transport != nil {
		if err := transport.Leave(s.meetingID, s.selfID); err != nil && !errors.Is(err, signaling.ErrClosed) {
			s.logger.Warn("Failed to send leave-room", zap.Error(err))
		}
	}

	s.media.Close()

	for _, e := range entries {
		e.teardown()
	}

	s.mu.Lock()
	s.peers = make(map[string]*peerEntry)
	s.participants = make(map[string]*Participant)
	s.pendingCandidates = make(map[string][]webrtc.ICECandidateInit)
	s.pendingAnswers = make(map[string]webrtc.SessionDescription)
	s.mu.Unlock()

	time.Sleep(leaveFlushDelay)

	var err error
	if transport != nil {
		err = transport.Close()
	}

	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()

	s.logger.Info("Session ended")
	return err
}

// emit delivers an event without blocking; stale events are dropped when
// the consumer lags.
func (s *Session) emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.events <- e:
	default:
		s.logger.Debug("Dropping event, consumer lagging", zap.Stringer("kind", e.Kind))
	}
}

// --- signaling.Handler ---

// HandleRoomParticipants processes the initial roster: for each existing
// member we create a non-initiating connection and wait for their offer.
// Only the already-present side initiates, which is what keeps two sides
// from ever offering simultaneously.
func (s *Session) HandleRoomParticipants(participants []signaling.ParticipantInfo) {
	for _, info := range participants {
		if info.ID == s.selfID {
			continue
		}
		s.admitParticipant(info, false)
	}
}

// HandleParticipantJoined processes a newcomer: we are the established side,
// so we initiate the offer.
func (s *Session) HandleParticipantJoined(info signaling.ParticipantInfo) {
	if info.ID == s.selfID {
		return
	}
	s.admitParticipant(info, true)
}

func (s *Session) HandleParticipantLeft(participantID string) {
	s.removePeer(participantID, "left")
}

func (s *Session) HandleOffer(fromID string, offer webrtc.SessionDescription) {
	// Run off the read goroutine so retries do not stall candidate delivery.
	go s.handleOffer(fromID, offer)
}

func (s *Session) HandleAnswer(fromID string, answer webrtc.SessionDescription) {
	s.handleAnswer(fromID, answer)
}

func (s *Session) HandleCandidate(fromID string, candidate webrtc.ICECandidateInit) {
	s.handleCandidate(fromID, candidate)
}

func (s *Session) HandleMediaChange(participantID string, cameraEnabled, micEnabled bool) {
	s.mu.Lock()
	p, ok := s.participants[participantID]
	if ok {
		p.CameraEnabled = cameraEnabled
		p.MicEnabled = micEnabled
	}
	s.mu.Unlock()
	if ok {
		s.emit(Event{Kind: EventParticipantUpdated, ParticipantID: participantID})
	}
}

func (s *Session) HandleScreenShare(participantID string, screenEnabled bool) {
	s.mu.Lock()
	p, ok := s.participants[participantID]
	if ok {
		p.ScreenEnabled = screenEnabled
	}
	s.mu.Unlock()
	if ok {
		s.emit(Event{Kind: EventParticipantUpdated, ParticipantID: participantID})
	}
}

func (s *Session) HandleDisconnected(err error) {
	s.logger.Error("Signaling channel lost for good", zap.Error(err))
	s.emit(Event{Kind: EventSignalingLost, Err: err})
}

// admitParticipant creates the peer connection and the participant record
// as one unit; neither exists without the other.
func (s *Session) admitParticipant(info signaling.ParticipantInfo, initiator bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if err := s.createPeerLocked(info.ID, initiator); err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrDuplicatePeer) {
			s.logger.Debug("Ignoring duplicate membership event", zap.String("peer", info.ID))
		} else {
			s.logger.Warn("Refusing peer connection",
				zap.String("peer", info.ID), zap.Error(err))
		}
		return
	}
	s.participants[info.ID] = &Participant{
		ID:            info.ID,
		DisplayName:   info.DisplayName,
		CameraEnabled: info.CameraEnabled,
		MicEnabled:    info.MicEnabled,
		ScreenEnabled: info.ScreenEnabled,
		Stream:        &RemoteStream{},
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventParticipantJoined, ParticipantID: info.ID})
}
