package session

import "fmt"

// EventKind enumerates the observable session events. Failures that the
// session recovers from or gives up on are surfaced here instead of being
// swallowed into logs, so the caller can distinguish "peer never appeared"
// from "system error".
type EventKind int

const (
	EventParticipantJoined EventKind = iota
	EventParticipantLeft
	EventParticipantUpdated
	EventTrackAdded
	EventPeerFailed
	EventNegotiationFailed
	EventSignalingLost
)

func (k EventKind) String() string {
	switch k {
	case EventParticipantJoined:
		return "participant-joined"
	case EventParticipantLeft:
		return "participant-left"
	case EventParticipantUpdated:
		return "participant-updated"
	case EventTrackAdded:
		return "track-added"
	case EventPeerFailed:
		return "peer-failed"
	case EventNegotiationFailed:
		return "negotiation-failed"
	case EventSignalingLost:
		return "signaling-lost"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one observable state change. ParticipantID is empty for
// session-wide events such as EventSignalingLost.
type Event struct {
	Kind          EventKind
	ParticipantID string
	Err           error
}
