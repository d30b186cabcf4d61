package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jobmesh/meetrtc/internal/media"
	"github.com/jobmesh/meetrtc/internal/signaling"
)

// fakeTransport records everything the session sends.
type fakeTransport struct {
	mu           sync.Mutex
	joins        []signaling.JoinRoom
	offers       map[string][]webrtc.SessionDescription
	answers      map[string][]webrtc.SessionDescription
	candidates   map[string][]webrtc.ICECandidateInit
	mediaStates  [][2]bool
	screenStates []bool
	leaves       int
	closed       bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		offers:     make(map[string][]webrtc.SessionDescription),
		answers:    make(map[string][]webrtc.SessionDescription),
		candidates: make(map[string][]webrtc.ICECandidateInit),
	}
}

func (f *fakeTransport) Dial(join signaling.JoinRoom) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, join)
	return nil
}

func (f *fakeTransport) SendOffer(targetID string, offer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers[targetID] = append(f.offers[targetID], offer)
	return nil
}

func (f *fakeTransport) SendAnswer(targetID string, answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[targetID] = append(f.answers[targetID], answer)
	return nil
}

func (f *fakeTransport) SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates[targetID] = append(f.candidates[targetID], candidate)
	return nil
}

func (f *fakeTransport) SendMediaState(participantID string, cameraEnabled, micEnabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaStates = append(f.mediaStates, [2]bool{cameraEnabled, micEnabled})
	return nil
}

func (f *fakeTransport) SendScreenState(participantID string, screenEnabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenStates = append(f.screenStates, screenEnabled)
	return nil
}

func (f *fakeTransport) Leave(meetingID, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) offerCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers[id])
}

func (f *fakeTransport) answerCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers[id])
}

func (f *fakeTransport) lastOffer(id string) webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers[id][len(f.offers[id])-1]
}

func (f *fakeTransport) lastMediaState() [2]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mediaStates[len(f.mediaStates)-1]
}

func newCallSession(t *testing.T, opts media.Options) (*Session, *fakeTransport) {
	t.Helper()
	m, err := media.Acquire(opts, media.NewLoopbackOpener(), zaptest.NewLogger(t))
	require.NoError(t, err)

	sess := New(Config{
		MeetingID:     "meeting-1",
		ParticipantID: "me",
		DisplayName:   "Alice",
	}, m, zaptest.NewLogger(t))
	transport := newFakeTransport()
	require.NoError(t, sess.Start(transport))
	t.Cleanup(func() { _ = sess.End() })
	return sess, transport
}

func member(id string) signaling.ParticipantInfo {
	return signaling.ParticipantInfo{ID: id, DisplayName: "peer " + id, CameraEnabled: true, MicEnabled: true}
}

// remoteOffer builds a real SDP offer from a standalone peer connection, the
// shape an actual remote client would trickle at us.
func remoteOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return *pc.LocalDescription()
}

// answerOffer plays the remote side of a handshake: it accepts the offer the
// session sent and produces the matching answer.
func answerOffer(t *testing.T, offer webrtc.SessionDescription) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	require.NoError(t, pc.SetRemoteDescription(offer))
	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(answer))
	return *pc.LocalDescription()
}

func (s *Session) peerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Session) hasPeer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[id]
	return ok
}

func (s *Session) queuedCandidates(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingCandidates[id])
}

func (s *Session) queuedAnswers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingAnswers)
}

func waitEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestStartAnnouncesJoin(t *testing.T) {
	_, transport := newCallSession(t, media.Options{Video: true, Audio: true})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.joins, 1)
	join := transport.joins[0]
	assert.Equal(t, "meeting-1", join.MeetingID)
	assert.Equal(t, "me", join.ParticipantID)
	assert.Equal(t, "Alice", join.ParticipantName)
	assert.True(t, join.CameraEnabled)
	assert.True(t, join.MicEnabled)
}

func TestStartTwiceFails(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})
	assert.Error(t, sess.Start(newFakeTransport()))
}

func TestGeneratedParticipantID(t *testing.T) {
	m, err := media.Acquire(media.Options{}, media.NewLoopbackOpener(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close()

	sess := New(Config{MeetingID: "meeting-1"}, m, zaptest.NewLogger(t))
	assert.NotEmpty(t, sess.ParticipantID())
}

func TestRosterCreatesWaitingPeers(t *testing.T) {
	sess, transport := newCallSession(t, media.Options{Video: true, Audio: true})

	sess.HandleRoomParticipants([]signaling.ParticipantInfo{
		member("p1"), member("p2"),
		{ID: "me"}, // our own entry must be skipped
	})

	assert.Equal(t, 2, sess.peerCount())
	assert.Len(t, sess.Participants(), 2)
	// Existing members initiate toward us; we wait for their offers.
	assert.Equal(t, 0, transport.offerCount("p1"))
	assert.Equal(t, 0, transport.offerCount("p2"))
	waitEvent(t, sess, EventParticipantJoined)
}

func TestNewcomerTriggersOffer(t *testing.T) {
	sess, transport := newCallSession(t, media.Options{Video: true, Audio: true})

	sess.HandleParticipantJoined(member("p1"))

	assert.Equal(t, 1, sess.peerCount())
	assert.Equal(t, 1, transport.offerCount("p1"))
	waitEvent(t, sess, EventParticipantJoined)
}

func TestDuplicateJoinIgnored(t *testing.T) {
	sess, transport := newCallSession(t, media.Options{})

	sess.HandleParticipantJoined(member("p1"))
	sess.HandleParticipantJoined(member("p1"))

	assert.Equal(t, 1, sess.peerCount())
	assert.Equal(t, 1, transport.offerCount("p1"), "duplicate join must not re-offer")
}

func TestRecreationRateLimited(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})

	sess.HandleParticipantJoined(member("p1"))
	sess.HandleParticipantLeft("p1")
	require.Equal(t, 0, sess.peerCount())

	// Rejoining inside the window is refused; the attempt record survives
	// removal precisely so churn cannot bypass the limit.
	sess.HandleParticipantJoined(member("p1"))
	assert.Equal(t, 0, sess.peerCount())
	assert.Empty(t, sess.Participants())
}

func TestConnectionCap(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})

	roster := make([]signaling.ParticipantInfo, maxPeerConnections+1)
	for i := range roster {
		roster[i] = member(fmt.Sprintf("p%d", i))
	}
	sess.HandleRoomParticipants(roster)

	assert.Equal(t, maxPeerConnections, sess.peerCount())
	assert.False(t, sess.hasPeer(fmt.Sprintf("p%d", maxPeerConnections)))
	assert.Len(t, sess.Participants(), maxPeerConnections)
}

func TestIncomingOfferIsAnswered(t *testing.T) {
	sess, transport := newCallSession(t, media.Options{Video: true, Audio: true})

	sess.HandleOffer("r1", remoteOffer(t))

	require.Eventually(t, func() bool {
		return transport.answerCount("r1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, sess.hasPeer("r1"))
	// An unsolicited offer admits a minimal participant record.
	participants := sess.Participants()
	require.Len(t, participants, 1)
	assert.Equal(t, "r1", participants[0].ID)
}

func TestCandidatesQueueUntilRemoteDescription(t *testing.T) {
	sess, transport := newCallSession(t, media.Options{Video: true, Audio: true})

	candidate := webrtc.ICECandidateInit{
		Candidate: "candidate:3403793063 1 udp 2113937151 127.0.0.1 56500 typ host",
	}

	// Candidate races ahead of any membership event: it must be held.
	sess.HandleCandidate("p1", candidate)
	assert.Equal(t, 1, sess.queuedCandidates("p1"))

	// Peer exists but no remote description yet: still held.
	sess.HandleParticipantJoined(member("p1"))
	sess.HandleCandidate("p1", candidate)
	assert.Equal(t, 2, sess.queuedCandidates("p1"))

	// The answer lands, the queue drains in one shot.
	require.Equal(t, 1, transport.offerCount("p1"))
	sess.HandleAnswer("p1", answerOffer(t, transport.lastOffer("p1")))
	assert.Equal(t, 0, sess.queuedCandidates("p1"))

	// Later candidates apply directly.
	sess.HandleCandidate("p1", candidate)
	assert.Equal(t, 0, sess.queuedCandidates("p1"))
}

func TestEarlyAnswerConsumedOnce(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})

	// The answer arrives before we have built the connection object.
	sess.HandleAnswer("p1", webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0\r\n",
	})
	assert.Equal(t, 1, sess.queuedAnswers())

	// Creation consumes the queued answer exactly once.
	sess.HandleParticipantJoined(member("p1"))
	assert.Equal(t, 0, sess.queuedAnswers())
	assert.True(t, sess.hasPeer("p1"))
}

func TestDepartureRemovesEverything(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})

	sess.HandleParticipantJoined(member("p1"))
	waitEvent(t, sess, EventParticipantJoined)

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}
	sess.HandleCandidate("p1", candidate)

	sess.HandleParticipantLeft("p1")
	assert.Equal(t, 0, sess.peerCount())
	assert.Empty(t, sess.Participants())
	assert.Equal(t, 0, sess.queuedCandidates("p1"))
	waitEvent(t, sess, EventParticipantLeft)
}

func TestUnknownDepartureIsNoop(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})
	sess.HandleParticipantLeft("ghost")
	assert.Equal(t, 0, sess.peerCount())
}

func TestNegotiationDeadlineRemovesPeer(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})

	sess.HandleParticipantJoined(member("p1"))
	waitEvent(t, sess, EventParticipantJoined)

	sess.negotiationExpired("p1")

	assert.False(t, sess.hasPeer("p1"))
	event := waitEvent(t, sess, EventPeerFailed)
	assert.Equal(t, "p1", event.ParticipantID)
	assert.Error(t, event.Err)
}

func TestMediaChangeUpdatesParticipant(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})

	sess.HandleParticipantJoined(member("p1"))
	sess.HandleMediaChange("p1", false, true)
	sess.HandleScreenShare("p1", true)

	participants := sess.Participants()
	require.Len(t, participants, 1)
	assert.False(t, participants[0].CameraEnabled)
	assert.True(t, participants[0].MicEnabled)
	assert.True(t, participants[0].ScreenEnabled)
	waitEvent(t, sess, EventParticipantUpdated)

	// State about strangers is dropped silently.
	sess.HandleMediaChange("ghost", true, true)
	assert.Len(t, sess.Participants(), 1)
}

func TestSignalingLossIsSurfaced(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})

	sess.HandleDisconnected(fmt.Errorf("connection reset"))
	event := waitEvent(t, sess, EventSignalingLost)
	assert.Error(t, event.Err)
}

func TestEndTearsDownInOrder(t *testing.T) {
	sess, transport := newCallSession(t, media.Options{Video: true, Audio: true})
	sess.HandleParticipantJoined(member("p1"))

	require.NoError(t, sess.End())

	transport.mu.Lock()
	assert.Equal(t, 1, transport.leaves)
	assert.True(t, transport.closed)
	transport.mu.Unlock()

	assert.Equal(t, 0, sess.peerCount())
	assert.Empty(t, sess.Participants())

	// The event channel closes so consumers unblock.
	for {
		if _, ok := <-sess.Events(); !ok {
			break
		}
	}

	require.NoError(t, sess.End(), "End must be idempotent")
	_, err := sess.ToggleCamera()
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.ErrorIs(t, sess.StartScreenShare(), ErrSessionEnded)
}

func TestStartAfterEnd(t *testing.T) {
	sess, _ := newCallSession(t, media.Options{})
	require.NoError(t, sess.End())
	assert.ErrorIs(t, sess.Start(newFakeTransport()), ErrSessionEnded)
}
