package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/pkg/apperr"
)

const (
	readLimit    = 65536
	writeTimeout = 10 * time.Second
	eventTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenValidator resolves a bearer token to the authenticated user.
type TokenValidator func(token string) (userID uuid.UUID, name string, err error)

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID uuid.UUID
	Name   string
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	logger *zap.Logger

	mu       sync.Mutex
	code     string
	departed bool
	closed   bool
}

// NewClient builds a connection bound to hub. conn may be nil when the caller drains
// Outbound itself.
func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, name string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Name:   name,
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, buffer),
		logger: hub.logger,
	}
}

// Outbound is the connection's delivery queue. It is closed when the connection closes.
func (c *Client) Outbound() <-chan Message {
	return c.send
}

// Meeting returns the code of the room the connection is in, or "".
func (c *Client) Meeting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Client) attach(code string) {
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()
}

func (c *Client) detach() (code string, departed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	code, departed = c.code, c.departed
	c.code = ""
	return code, departed
}

func (c *Client) markDeparted() {
	c.mu.Lock()
	c.departed = true
	c.mu.Unlock()
}

// enqueue queues msg without blocking. A full queue marks a slow consumer and the
// connection is closed.
func (c *Client) enqueue(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("send buffer full, closing connection",
			zap.String("client_id", c.ID),
			zap.String("user_id", c.UserID.String()),
		)
		c.closed = true
		close(c.send)
		return false
	}
}

// Close closes the delivery queue once; the write pump then closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) sendEvent(event string, payload interface{}) {
	msg, err := NewMessage(event, payload)
	if err != nil {
		c.logger.Error("marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(msg)
}

func (c *Client) sendError(err error) {
	c.sendEvent(EventError, ErrorPayload{Message: apperr.Message(err)})
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token query
// parameter authenticates the connection; the room is chosen by joinMeeting.
func ServeWs(hub *Hub, validate TokenValidator, buffer int) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		userID, name, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(hub, conn, userID, name, buffer)
		hub.logger.Debug("websocket connected",
			zap.String("client_id", client.ID),
			zap.String("user_id", userID.String()),
		)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Leave(c)
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.Handle(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handle dispatches one inbound message from this connection.
func (c *Client) Handle(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	switch msg.Event {
	case EventJoinMeeting:
		var p JoinMeetingPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.MeetingCode == "" {
			c.sendError(errors.New("meetingCode required"))
			return
		}
		if p.UserID != "" && p.UserID != c.UserID.String() {
			c.sendError(errors.New("userId does not match token"))
			return
		}
		if err := c.hub.Join(ctx, c, p.MeetingCode); err != nil {
			c.sendError(err)
		}
	case EventLeaveMeeting:
		if err := c.hub.LeaveMeeting(ctx, c); err != nil {
			c.sendError(err)
		}
	case EventEndMeeting:
		var p EndMeetingPayload
		_ = json.Unmarshal(msg.Data, &p)
		code := p.MeetingCode
		if code == "" {
			code = c.Meeting()
		}
		if err := c.hub.EndMeeting(ctx, c, code); err != nil {
			c.sendError(err)
		}
	case EventOffer, EventAnswer, EventICECandidate:
		c.relay(msg)
	case EventSendMessage:
		c.roomEvent(func(code string) (Message, error) {
			var p SendMessagePayload
			if err := json.Unmarshal(msg.Data, &p); err != nil || strings.TrimSpace(p.Text) == "" {
				return Message{}, errors.New("text required")
			}
			return NewMessage(EventNewMessage, ChatMessage{UserID: c.UserID, Message: p.Text, Timestamp: time.Now().UTC()})
		})
	case EventRaiseHand:
		c.roomEvent(func(string) (Message, error) {
			return NewMessage(EventHandRaised, HandRaised{UserID: c.UserID})
		})
	case EventToggleScreenShare:
		c.roomEvent(func(string) (Message, error) {
			var p ScreenSharePayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				return Message{}, errors.New("isSharing required")
			}
			return NewMessage(EventScreenShareToggled, ScreenSharePayload{UserID: c.UserID, IsSharing: p.IsSharing})
		})
	case EventSignal:
		c.roomEvent(func(string) (Message, error) {
			var p SignalPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil || len(p.Signal) == 0 {
				return Message{}, errors.New("signal required")
			}
			return NewMessage(EventSignal, SignalPayload{UserID: c.UserID, Signal: p.Signal})
		})
	default:
		c.logger.Debug("unknown event", zap.String("event", msg.Event), zap.String("client_id", c.ID))
	}
}

// relay forwards a signaling envelope. The sender is stamped from the connection, the
// body is passed through otherwise untouched.
func (c *Client) relay(msg Message) {
	code := c.Meeting()
	if code == "" {
		c.sendError(ErrNotAdmitted)
		return
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		c.sendError(errors.New("invalid envelope"))
		return
	}
	var route Route
	_ = json.Unmarshal(msg.Data, &route)
	if route.MeetingCode != "" && route.MeetingCode != code {
		c.sendError(errors.New("meetingCode does not match the joined meeting"))
		return
	}
	to := uuid.Nil
	if route.To != "" {
		id, err := uuid.Parse(route.To)
		if err != nil {
			c.sendError(errors.New("invalid recipient"))
			return
		}
		to = id
	}
	from, _ := json.Marshal(c.UserID.String())
	body["from"] = from
	mc, _ := json.Marshal(code)
	body["meetingCode"] = mc
	data, err := json.Marshal(body)
	if err != nil {
		c.logger.Error("marshal envelope", zap.Error(err))
		return
	}
	c.hub.Send(code, c.UserID, to, Message{Event: msg.Event, Data: data})
}

func (c *Client) roomEvent(build func(code string) (Message, error)) {
	code := c.Meeting()
	if code == "" {
		c.sendError(ErrNotAdmitted)
		return
	}
	out, err := build(code)
	if err != nil {
		c.sendError(err)
		return
	}
	c.hub.Broadcast(code, out)
}
