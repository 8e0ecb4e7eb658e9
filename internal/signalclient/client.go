// Package signalclient is a Go participant's connection to the signaling relay. It sends
// the local Coordinator's offers, answers and candidates, and dispatches inbound events back to it.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/internal/realtime"
	"github.com/aura-meet/backend/pkg/apperr"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	readLimit    = 65536
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = fmt.Errorf("%w: signaling connection closed", apperr.ErrTransport)

// Negotiator receives the relay's negotiation traffic. *negotiation.Coordinator implements it.
type Negotiator interface {
	SyncParticipants(participants []models.Participant)
	HandleOffer(from string, desc webrtc.SessionDescription)
	HandleAnswer(from string, desc webrtc.SessionDescription)
	HandleCandidate(from string, candidate webrtc.ICECandidateInit)
}

// Handlers are optional callbacks for room events.
type Handlers struct {
	MeetingEnded func()
	Chat         func(msg realtime.ChatMessage)
	HandRaised   func(userID string)
	ScreenShare  func(userID string, sharing bool)
	Error        func(message string)
	// Closed runs once when the read loop stops.
	Closed func(err error)
}

// Client is one WebSocket connection to the relay.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	code     string
	closed   bool
	done     chan struct{}
	handlers Handlers
}

// Dial connects to the relay at wsURL, authenticating with token.
func Dial(ctx context.Context, wsURL, token string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: relay url: %v", apperr.ErrValidation, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay: %v", apperr.ErrTransport, err)
	}
	conn.SetReadLimit(readLimit)
	return &Client{conn: conn, logger: logger, done: make(chan struct{})}, nil
}

// Run starts dispatching inbound events to n and h. It returns immediately.
func (c *Client) Run(n Negotiator, h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
	go c.readLoop(n)
}

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) meeting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Client) send(event string, payload interface{}) error {
	msg, err := realtime.NewMessage(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: write %s: %v", apperr.ErrTransport, event, err)
	}
	return nil
}

// Join binds the connection to a meeting. Admission must already be complete.
func (c *Client) Join(code, userID string) error {
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()
	return c.send(realtime.EventJoinMeeting, realtime.JoinMeetingPayload{MeetingCode: code, UserID: userID})
}

// Leave leaves the meeting explicitly.
func (c *Client) Leave() error {
	return c.send(realtime.EventLeaveMeeting, realtime.JoinMeetingPayload{MeetingCode: c.meeting()})
}

// EndMeeting ends the meeting for everyone. Host only.
func (c *Client) EndMeeting() error {
	return c.send(realtime.EventEndMeeting, realtime.EndMeetingPayload{MeetingCode: c.meeting()})
}

// SendChat posts a chat message to the room.
func (c *Client) SendChat(text string) error {
	return c.send(realtime.EventSendMessage, realtime.SendMessagePayload{Text: text})
}

// RaiseHand raises the local participant's hand.
func (c *Client) RaiseHand() error {
	return c.send(realtime.EventRaiseHand, nil)
}

// ToggleScreenShare announces a screen-share start or stop to the room.
func (c *Client) ToggleScreenShare(sharing bool) error {
	return c.send(realtime.EventToggleScreenShare, realtime.ScreenSharePayload{IsSharing: sharing})
}

func (c *Client) envelope(to string) realtime.Envelope {
	return realtime.Envelope{Route: realtime.Route{To: to, MeetingCode: c.meeting()}}
}

// SendOffer implements negotiation.Signaler.
func (c *Client) SendOffer(to string, offer webrtc.SessionDescription) error {
	body, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	env := c.envelope(to)
	env.Offer = body
	return c.send(realtime.EventOffer, env)
}

// SendAnswer implements negotiation.Signaler.
func (c *Client) SendAnswer(to string, answer webrtc.SessionDescription) error {
	body, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	env := c.envelope(to)
	env.Answer = body
	return c.send(realtime.EventAnswer, env)
}

// SendCandidate implements negotiation.Signaler.
func (c *Client) SendCandidate(to string, candidate webrtc.ICECandidateInit) error {
	body, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	env := c.envelope(to)
	env.Candidate = body
	return c.send(realtime.EventICECandidate, env)
}

// Close closes the connection. The read loop stops and Handlers.Closed runs.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop(n Negotiator) {
	var err error
	defer func() {
		c.mu.Lock()
		c.closed = true
		closed := c.handlers.Closed
		c.mu.Unlock()
		_ = c.conn.Close()
		close(c.done)
		if closed != nil {
			closed(err)
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	for {
		var msg realtime.Message
		if err = c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(n, msg)
	}
}

func (c *Client) dispatch(n Negotiator, msg realtime.Message) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch msg.Event {
	case realtime.EventParticipantUpdate:
		var ps []models.Participant
		if err := json.Unmarshal(msg.Data, &ps); err != nil {
			c.logger.Warn("invalid participantUpdate", zap.Error(err))
			return
		}
		n.SyncParticipants(ps)
	case realtime.EventOffer, realtime.EventAnswer, realtime.EventICECandidate:
		c.negotiation(n, msg)
	case realtime.EventMeetingEnded:
		if h.MeetingEnded != nil {
			h.MeetingEnded()
		}
	case realtime.EventNewMessage:
		var chat realtime.ChatMessage
		if err := json.Unmarshal(msg.Data, &chat); err == nil && h.Chat != nil {
			h.Chat(chat)
		}
	case realtime.EventHandRaised:
		var raised realtime.HandRaised
		if err := json.Unmarshal(msg.Data, &raised); err == nil && h.HandRaised != nil {
			h.HandRaised(raised.UserID.String())
		}
	case realtime.EventScreenShareToggled:
		var share realtime.ScreenSharePayload
		if err := json.Unmarshal(msg.Data, &share); err == nil && h.ScreenShare != nil {
			h.ScreenShare(share.UserID.String(), share.IsSharing)
		}
	case realtime.EventError:
		var e realtime.ErrorPayload
		_ = json.Unmarshal(msg.Data, &e)
		c.logger.Warn("relay error", zap.String("message", e.Message))
		if h.Error != nil {
			h.Error(e.Message)
		}
	default:
		c.logger.Debug("ignored event", zap.String("event", msg.Event))
	}
}

func (c *Client) negotiation(n Negotiator, msg realtime.Message) {
	var env realtime.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.From == "" {
		c.logger.Warn("invalid envelope", zap.String("event", msg.Event))
		return
	}
	if code := c.meeting(); env.MeetingCode != "" && env.MeetingCode != code {
		c.logger.Warn("envelope for another meeting", zap.String("meeting_code", env.MeetingCode))
		return
	}
	switch msg.Event {
	case realtime.EventOffer, realtime.EventAnswer:
		raw := env.Offer
		if msg.Event == realtime.EventAnswer {
			raw = env.Answer
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(raw, &desc); err != nil {
			c.logger.Warn("invalid session description", zap.String("from", env.From), zap.Error(err))
			return
		}
		if msg.Event == realtime.EventOffer {
			n.HandleOffer(env.From, desc)
		} else {
			n.HandleAnswer(env.From, desc)
		}
	case realtime.EventICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Candidate, &cand); err != nil {
			c.logger.Warn("invalid candidate", zap.String("from", env.From), zap.Error(err))
			return
		}
		n.HandleCandidate(env.From, cand)
	}
}
