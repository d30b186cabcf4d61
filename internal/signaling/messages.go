package signaling

import (
	"github.com/pion/webrtc/v4"
)

// Message types exchanged with the room signaling server. Every frame is a
// flat JSON object carrying a "type" discriminator plus the payload fields
// for that type.
const (
	TypeJoinRoom               = "join-room"
	TypeLeaveRoom              = "leave-room"
	TypeOffer                  = "webrtc-offer"
	TypeAnswer                 = "webrtc-answer"
	TypeICECandidate           = "webrtc-ice-candidate"
	TypeMediaStateChange       = "media-state-change"
	TypeSharedScreen           = "shared-screen"
	TypeParticipantJoined      = "participant-joined"
	TypeRoomParticipants       = "room-participants"
	TypeParticipantLeft        = "participant-left"
	TypeParticipantMediaChange = "participant-media-change"
)

// ParticipantInfo describes one room member as announced by the server.
type ParticipantInfo struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	CameraEnabled bool   `json:"cameraEnabled"`
	MicEnabled    bool   `json:"micEnabled"`
	ScreenEnabled bool   `json:"screenEnabled,omitempty"`
}

// JoinRoom announces our presence to the room.
type JoinRoom struct {
	Type            string `json:"type"`
	MeetingID       string `json:"meetingId"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	CameraEnabled   bool   `json:"cameraEnabled"`
	MicEnabled      bool   `json:"micEnabled"`
}

// LeaveRoom is the graceful departure notice.
type LeaveRoom struct {
	Type          string `json:"type"`
	MeetingID     string `json:"meetingId"`
	ParticipantID string `json:"participantId"`
}

// Offer carries an SDP offer. TargetID is set on send, FromID on receive.
type Offer struct {
	Type     string                    `json:"type"`
	TargetID string                    `json:"targetId,omitempty"`
	FromID   string                    `json:"fromId,omitempty"`
	Offer    webrtc.SessionDescription `json:"offer"`
}

// Answer carries an SDP answer.
type Answer struct {
	Type     string                    `json:"type"`
	TargetID string                    `json:"targetId,omitempty"`
	FromID   string                    `json:"fromId,omitempty"`
	Answer   webrtc.SessionDescription `json:"answer"`
}

// ICECandidate carries one trickled candidate.
type ICECandidate struct {
	Type      string                  `json:"type"`
	TargetID  string                  `json:"targetId,omitempty"`
	FromID    string                  `json:"fromId,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// MediaStateChange broadcasts our camera/mic enablement.
type MediaStateChange struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
	CameraEnabled bool   `json:"cameraEnabled"`
	MicEnabled    bool   `json:"micEnabled"`
}

// SharedScreen broadcasts screen-share state.
type SharedScreen struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
	ScreenEnabled bool   `json:"screenEnabled"`
}

// ParticipantJoined announces a new room member.
type ParticipantJoined struct {
	Type        string          `json:"type"`
	Participant ParticipantInfo `json:"participant"`
}

// RoomParticipants is the initial roster delivered right after joining.
type RoomParticipants struct {
	Type         string            `json:"type"`
	Participants []ParticipantInfo `json:"participants"`
}

// ParticipantLeft announces a departure.
type ParticipantLeft struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
}

// ParticipantMediaChange relays another member's toggle broadcast.
type ParticipantMediaChange struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
	CameraEnabled bool   `json:"cameraEnabled"`
	MicEnabled    bool   `json:"micEnabled"`
}

// Handler receives dispatched server->client messages. Implementations run
// on the channel's read goroutine and must not block for long.
type Handler interface {
	HandleRoomParticipants(participants []ParticipantInfo)
	HandleParticipantJoined(participant ParticipantInfo)
	HandleParticipantLeft(participantID string)
	HandleOffer(fromID string, offer webrtc.SessionDescription)
	HandleAnswer(fromID string, answer webrtc.SessionDescription)
	HandleCandidate(fromID string, candidate webrtc.ICECandidateInit)
	HandleMediaChange(participantID string, cameraEnabled, micEnabled bool)
	HandleScreenShare(participantID string, screenEnabled bool)

	// HandleDisconnected fires once when the channel gives up reconnecting.
	// It is not called on deliberate Close.
	HandleDisconnected(err error)
}
