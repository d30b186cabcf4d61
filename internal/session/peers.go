package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Peer creation guard errors.
var (
	ErrDuplicatePeer   = errors.New("peer connection already exists")
	ErrPeerRateLimited = errors.New("peer connection re-created too soon")
	ErrTooManyPeers    = errors.New("peer connection cap reached")
)

// peerEntry is the per-participant connection bookkeeping. It is created
// and removed together with the matching Participant record, always under
// the session lock.
type peerEntry struct {
	id        string
	pc        *webrtc.PeerConnection
	initiator bool
	createdAt time.Time

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	remoteDescSet bool
	restarted     bool

	negotiationTimer *time.Timer
	closeOnce        sync.Once
}

// teardown stops transceivers and closes the native connection. Idempotent;
// safe to call mid-negotiation.
func (e *peerEntry) teardown() {
	e.closeOnce.Do(func() {
		if e.negotiationTimer != nil {
			e.negotiationTimer.Stop()
		}
		for _, tr := range e.pc.GetTransceivers() {
			_ = tr.Stop()
		}
		_ = e.pc.Close()
	})
}

// createPeerLocked builds the connection object for one participant. Caller
// holds s.mu. The guards reject duplicates, re-creation inside the
// rate-limit window, and growth beyond the connection cap - all without
// side effects.
func (s *Session) createPeerLocked(id string, initiator bool) error {
	if _, exists := s.peers[id]; exists {
		return ErrDuplicatePeer
	}
	if last, ok := s.lastAttempt[id]; ok && time.Since(last) < peerCreateMinInterval {
		return fmt.Errorf("%w: %s", ErrPeerRateLimited, id)
	}
	if len(s.peers) >= maxPeerConnections {
		return fmt.Errorf("%w (%d)", ErrTooManyPeers, maxPeerConnections)
	}
	s.lastAttempt[id] = time.Now()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	entry := &peerEntry{
		id:        id,
		pc:        pc,
		initiator: initiator,
		createdAt: time.Now(),
	}

	// Every local track goes onto every connection at creation time.
	for _, t := range s.media.Tracks() {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			entry.videoSender = sender
		} else {
			entry.audioSender = sender
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := s.transport.SendCandidate(id, candidate.ToJSON()); err != nil {
			s.logger.Warn("Failed to send ICE candidate",
				zap.String("peer", id), zap.Error(err))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(id, track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handleConnectionState(id, state)
	})

	entry.negotiationTimer = time.AfterFunc(negotiationTimeout, func() {
		s.negotiationExpired(id)
	})

	s.peers[id] = entry

	if initiator {
		if err := s.sendOfferLocked(entry, false); err != nil {
			delete(s.peers, id)
			entry.teardown()
			return err
		}
		// An answer can beat our connection object through the channel;
		// the first creation consumes it exactly once.
		if answer, ok := s.pendingAnswers[id]; ok {
			delete(s.pendingAnswers, id)
			if err := pc.SetRemoteDescription(answer); err != nil {
				s.logger.Warn("Failed to apply queued answer",
					zap.String("peer", id), zap.Error(err))
			} else {
				entry.remoteDescSet = true
				s.drainCandidatesLocked(entry)
			}
		}
	}

	s.logger.Info("Peer connection created",
		zap.String("peer", id), zap.Bool("initiator", initiator),
		zap.Int("total", len(s.peers)))
	return nil
}

// sendOfferLocked creates an offer, applies it locally, and trickles it to
// the peer. Caller holds s.mu.
func (s *Session) sendOfferLocked(entry *peerEntry, iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := entry.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := entry.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := s.transport.SendOffer(entry.id, *entry.pc.LocalDescription()); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	return nil
}

// handleOffer answers an incoming offer, creating the connection first when
// none exists. The whole exchange is retried with a short backoff because
// it can race connection creation; exhausting the retries means the
// participant is not admitted.
func (s *Session) handleOffer(fromID string, offer webrtc.SessionDescription) {
	op := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ended {
			return backoff.Permanent(ErrSessionEnded)
		}

		entry, exists := s.peers[fromID]
		if !exists {
			if err := s.createPeerLocked(fromID, false); err != nil {
				return err
			}
			entry = s.peers[fromID]
		} else if entry.initiator && entry.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			// Offer glare. Membership asymmetry makes this unreachable in
			// practice; if a misbehaving server produces it anyway, we keep
			// our own offer and drop theirs.
			s.logger.Warn("Dropping colliding offer", zap.String("peer", fromID))
			return nil
		}

		if err := entry.pc.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("failed to set remote offer: %w", err)
		}
		entry.remoteDescSet = true

		answer, err := entry.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := entry.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local answer: %w", err)
		}
		s.drainCandidatesLocked(entry)
		if err := s.transport.SendAnswer(fromID, *entry.pc.LocalDescription()); err != nil {
			return fmt.Errorf("failed to send answer: %w", err)
		}

		// An unsolicited offer can name a participant we have not seen a
		// membership event for yet.
		if _, ok := s.participants[fromID]; !ok {
			s.participants[fromID] = &Participant{ID: fromID, Stream: &RemoteStream{}}
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(offerRetryInterval), offerMaxAttempts-1)
	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, ErrSessionEnded) {
			return
		}
		s.logger.Error("Giving up on incoming offer",
			zap.String("peer", fromID), zap.Error(err))
		s.removePeer(fromID, "offer handling failed")
		s.emit(Event{Kind: EventNegotiationFailed, ParticipantID: fromID, Err: err})
	}
}

// handleAnswer applies a remote answer, queueing it when the connection
// object does not exist yet.
func (s *Session) handleAnswer(fromID string, answer webrtc.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}

	entry, exists := s.peers[fromID]
	if !exists {
		s.pendingAnswers[fromID] = answer
		s.logger.Debug("Queued answer for missing connection", zap.String("peer", fromID))
		return
	}
	if err := entry.pc.SetRemoteDescription(answer); err != nil {
		s.logger.Warn("Failed to apply answer",
			zap.String("peer", fromID), zap.Error(err))
		return
	}
	entry.remoteDescSet = true
	s.drainCandidatesLocked(entry)
}

// handleCandidate feeds a remote candidate, queueing it until the
// connection exists and its remote description is set.
func (s *Session) handleCandidate(fromID string, candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}

	entry, exists := s.peers[fromID]
	if !exists || !entry.remoteDescSet {
		s.pendingCandidates[fromID] = append(s.pendingCandidates[fromID], candidate)
		return
	}
	if err := entry.pc.AddICECandidate(candidate); err != nil {
		s.logger.Warn("Failed to add ICE candidate",
			zap.String("peer", fromID), zap.Error(err))
	}
}

// drainCandidatesLocked applies queued candidates in arrival order, exactly
// once. Caller holds s.mu and has set the remote description.
func (s *Session) drainCandidatesLocked(entry *peerEntry) {
	queued := s.pendingCandidates[entry.id]
	if len(queued) == 0 {
		return
	}
	delete(s.pendingCandidates, entry.id)
	for _, candidate := range queued {
		if err := entry.pc.AddICECandidate(candidate); err != nil {
			s.logger.Warn("Failed to apply queued candidate",
				zap.String("peer", entry.id), zap.Error(err))
		}
	}
	s.logger.Debug("Drained queued candidates",
		zap.String("peer", entry.id), zap.Int("count", len(queued)))
}

// handleRemoteTrack accumulates an incoming track into the participant's
// aggregate stream and watches it until it ends.
func (s *Session) handleRemoteTrack(id string, track *webrtc.TrackRemote) {
	s.mu.Lock()
	p, ok := s.participants[id]
	if ok {
		p.Stream.add(track)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Track for unknown participant", zap.String("peer", id))
		return
	}

	s.logger.Info("Remote track added",
		zap.String("peer", id),
		zap.String("kind", track.Kind().String()))
	s.emit(Event{Kind: EventTrackAdded, ParticipantID: id})

	go s.watchRemoteTrack(id, p.Stream, track)
}

// watchRemoteTrack reads the track until it ends, forwarding packets to the
// sink when one is registered, then prunes the track from the aggregate.
func (s *Session) watchRemoteTrack(id string, stream *RemoteStream, track *webrtc.TrackRemote) {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			break
		}
		if s.sink != nil {
			s.sink(id, track, packet)
		}
	}
	stream.remove(track)
	s.logger.Debug("Remote track ended",
		zap.String("peer", id),
		zap.String("kind", track.Kind().String()))
}

// handleConnectionState reacts to native connection-state transitions: one
// ICE restart on the first failure, teardown on the second or on close.
func (s *Session) handleConnectionState(id string, state webrtc.PeerConnectionState) {
	s.logger.Debug("Peer connection state",
		zap.String("peer", id), zap.Stringer("state", state))

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if entry, ok := s.peers[id]; ok && entry.negotiationTimer != nil {
			entry.negotiationTimer.Stop()
		}
		s.mu.Unlock()

	case webrtc.PeerConnectionStateFailed:
		s.mu.Lock()
		entry, ok := s.peers[id]
		if !ok || s.ended {
			s.mu.Unlock()
			return
		}
		if !entry.restarted {
			entry.restarted = true
			err := s.sendOfferLocked(entry, true)
			s.mu.Unlock()
			if err != nil {
				s.logger.Warn("ICE restart failed", zap.String("peer", id), zap.Error(err))
				s.removePeer(id, "ice restart failed")
				s.emit(Event{Kind: EventPeerFailed, ParticipantID: id, Err: err})
			} else {
				s.logger.Info("Attempting ICE restart", zap.String("peer", id))
			}
			return
		}
		s.mu.Unlock()
		s.removePeer(id, "connection failed")
		s.emit(Event{Kind: EventPeerFailed, ParticipantID: id})

	case webrtc.PeerConnectionStateClosed:
		s.removePeer(id, "connection closed")
	}
}

// negotiationExpired enforces the handshake deadline: a peer that has not
// connected within the window is treated as failed.
func (s *Session) negotiationExpired(id string) {
	s.mu.Lock()
	entry, ok := s.peers[id]
	if !ok || s.ended || entry.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := fmt.Errorf("negotiation deadline (%s) exceeded", negotiationTimeout)
	s.logger.Warn("Peer never completed negotiation", zap.String("peer", id))
	s.removePeer(id, "negotiation timeout")
	s.emit(Event{Kind: EventPeerFailed, ParticipantID: id, Err: err})
}

// removePeer removes the connection entry and the participant record as one
// unit, then tears the connection down outside the lock.
func (s *Session) removePeer(id, reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	entry, hadEntry := s.peers[id]
	_, hadParticipant := s.participants[id]
	delete(s.peers, id)
	delete(s.participants, id)
	delete(s.pendingCandidates, id)
	delete(s.pendingAnswers, id)
	s.mu.Unlock()

	if entry != nil {
		entry.teardown()
	}
	if hadEntry || hadParticipant {
		s.logger.Info("Peer removed",
			zap.String("peer", id), zap.String("reason", reason))
	}
	if hadParticipant {
		s.emit(Event{Kind: EventParticipantLeft, ParticipantID: id})
	}
}
