// Package signaling maintains the duplex JSON control channel to the
// room signaling server.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ErrClosed is returned by send operations after Close.
var ErrClosed = errors.New("signaling channel closed")

// Options tunes channel behavior; zero values fall back to defaults.
type Options struct {
	ReconnectInterval time.Duration
	MaxReconnects     int
	Dialer            *websocket.Dialer
}

const (
	defaultReconnectInterval = 2 * time.Second
	defaultMaxReconnects     = 3
)

// Channel is a reconnecting websocket client for the signaling protocol.
// Reconnect attempts are counted across the channel's lifetime, not per
// disconnect: once the budget is spent the channel reports disconnection
// through the handler and stays down until a fresh channel is dialed.
type Channel struct {
	url     string
	logger  *zap.Logger
	handler Handler

	reconnectInterval time.Duration
	maxReconnects     int
	dialer            *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	reconnects int
	join       JoinRoom

	writeMu sync.Mutex
	done    chan struct{}
}

// NewChannel builds a channel for the given endpoint. Dial must be called
// before any send.
func NewChannel(url string, handler Handler, logger *zap.Logger, opts Options) *Channel {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = defaultMaxReconnects
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		url:               url,
		logger:            logger.Named("signaling"),
		handler:           handler,
		reconnectInterval: opts.ReconnectInterval,
		maxReconnects:     opts.MaxReconnects,
		dialer:            opts.Dialer,
		done:              make(chan struct{}),
	}
}

// Dial connects, announces presence with join-room, and starts dispatching
// incoming messages.
func (c *Channel) Dial(join JoinRoom) error {
	join.Type = TypeJoinRoom

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.join = join
	c.mu.Unlock()

	if err := c.send(join); err != nil {
		return fmt.Errorf("failed to send join-room: %w", err)
	}

	go c.readLoop(conn)
	return nil
}

// Close shuts the channel down deterministically. Safe to call twice.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("Signaling connection lost", zap.Error(err))
			next, ok := c.reconnect()
			if !ok {
				c.handler.HandleDisconnected(err)
				return
			}
			conn = next
			continue
		}
		c.dispatch(data)
	}
}

// reconnect redials with a fixed delay, bounded by the lifetime retry
// budget. On success the join-room announcement is re-sent so the server
// learns the client survived; the server treats duplicate joins as
// idempotent.
func (c *Channel) reconnect() (*websocket.Conn, bool) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, false
		}
		if c.reconnects >= c.maxReconnects {
			c.mu.Unlock()
			c.logger.Error("Reconnect budget exhausted, giving up",
				zap.Int("attempts", c.reconnects))
			return nil, false
		}
		c.reconnects++
		attempt := c.reconnects
		c.mu.Unlock()

		select {
		case <-c.done:
			return nil, false
		case <-time.After(c.reconnectInterval):
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("Reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn = conn
		join := c.join
		c.mu.Unlock()

		if err := c.send(join); err != nil {
			c.logger.Warn("Failed to re-join after reconnect", zap.Error(err))
			conn.Close()
			continue
		}
		c.logger.Info("Signaling reconnected", zap.Int("attempt", attempt))
		return conn, true
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	return nil
}

// SendOffer trickles an SDP offer to one participant.
func (c *Channel) SendOffer(targetID string, offer webrtc.SessionDescription) error {
	return c.send(Offer{Type: TypeOffer, TargetID: targetID, Offer: offer})
}

// SendAnswer returns an SDP answer to one participant.
func (c *Channel) SendAnswer(targetID string, answer webrtc.SessionDescription) error {
	return c.send(Answer{Type: TypeAnswer, TargetID: targetID, Answer: answer})
}

// SendCandidate trickles a local ICE candidate to one participant.
func (c *Channel) SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error {
	return c.send(ICECandidate{Type: TypeICECandidate, TargetID: targetID, Candidate: candidate})
}

// SendMediaState broadcasts our current camera/mic enablement.
func (c *Channel) SendMediaState(participantID string, cameraEnabled, micEnabled bool) error {
	return c.send(MediaStateChange{
		Type:          TypeMediaStateChange,
		ParticipantID: participantID,
		CameraEnabled: cameraEnabled,
		MicEnabled:    micEnabled,
	})
}

// SendScreenState broadcasts our screen-share state.
func (c *Channel) SendScreenState(participantID string, screenEnabled bool) error {
	return c.send(SharedScreen{
		Type:          TypeSharedScreen,
		ParticipantID: participantID,
		ScreenEnabled: screenEnabled,
	})
}

// Leave notifies the server of graceful departure.
func (c *Channel) Leave(meetingID, participantID string) error {
	return c.send(LeaveRoom{Type: TypeLeaveRoom, MeetingID: meetingID, ParticipantID: participantID})
}

func (c *Channel) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn("Dropping malformed signaling message", zap.Error(err))
		return
	}

	switch envelope.Type {
	case TypeRoomParticipants:
		var msg RoomParticipants
		if c.decode(data, &msg, envelope.Type) {
			c.handler.HandleRoomParticipants(msg.Participants)
		}
	case TypeParticipantJoined:
		var msg ParticipantJoined
		if c.decode(data, &msg, envelope.Type) {
			c.handler.HandleParticipantJoined(msg.Participant)
		}
	case TypeParticipantLeft:
		var msg ParticipantLeft
		if c.decode(data, &msg, envelope.Type) {
			c.handler.HandleParticipantLeft(msg.ParticipantID)
		}
	case TypeOffer:
		var msg Offer
		if c.decode(data, &msg, envelope.Type) {
			c.handler.HandleOffer(msg.FromID, msg.Offer)
		}
	case TypeAnswer:
		var msg Answer
		if c.decode(data, &msg, envelope.Type) {
			c.handler.HandleAnswer(msg.FromID, msg.Answer)
		}
	case TypeICECandidate:
		var msg ICECandidate
		if c.decode(data, &msg, envelope.Type) {
			c.handler.HandleCandidate(msg.FromID, msg.Candidate)
		}
	case TypeParticipantMediaChange:
		var msg ParticipantMediaChange
		if c.decode(data, &msg, envelope.Type) {
			c.handler.HandleMediaChange(msg.ParticipantID, msg.CameraEnabled, msg.MicEnabled)
		}
	case TypeSharedScreen:
		var msg SharedScreen
		if c.decode(data, &msg, envelope.Type) {
			c.handler.HandleScreenShare(msg.ParticipantID, msg.ScreenEnabled)
		}
	default:
		c.logger.Warn("Unknown signaling message type", zap.String("type", envelope.Type))
	}
}

func (c *Channel) decode(data []byte, into interface{}, msgType string) bool {
	if err := json.Unmarshal(data, into); err != nil {
		c.logger.Warn("Failed to decode signaling message",
			zap.String("type", msgType), zap.Error(err))
		return false
	}
	return true
}
