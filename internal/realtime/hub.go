package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/apperr"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	presenceTimeout = 5 * time.Second
)

// ErrNotAdmitted is returned when a connection tries to join a room before its
// participant record is joined.
var ErrNotAdmitted = fmt.Errorf("%w: not allowed to join yet", apperr.ErrForbidden)

// Presence is the slice of the admission state machine the relay consults.
type Presence interface {
	Status(ctx context.Context, code string, userID uuid.UUID) (models.ParticipantStatus, error)
	Announce(ctx context.Context, code string) error
	Leave(ctx context.Context, code string, userID uuid.UUID) (bool, error)
	EndMeeting(ctx context.Context, code string, hostID uuid.UUID) error
	Evict(code string)
}

// Bus fans room-wide events out to every relay instance. The relay delivers its local
// copy from the subscription, so a published event reaches each connection once.
type Bus interface {
	PublishRoomEvent(code string, msg Message) error
	SubscribeRoom(code string, handler func(Message)) (cancel func(), err error)
}

// Room is the live membership of one meeting. Its lock serializes every delivery to the
// room, which keeps per-connection ordering equal to production order.
type Room struct {
	code        string
	mu          sync.Mutex
	members     map[uuid.UUID]*Client
	closed      bool
	unsubscribe func()
}

type departureKey struct {
	code   string
	userID uuid.UUID
}

// Hub maintains meeting code -> room and routes messages between connections.
type Hub struct {
	presence Presence
	bus      Bus
	grace    time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*Room

	pendingMu sync.Mutex
	pending   map[departureKey]*time.Timer
}

// NewHub creates a relay hub. bus may be nil for a single instance. grace is how long a
// dropped connection may take to come back before it counts as leaving.
func NewHub(presence Presence, bus Bus, grace time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		presence: presence,
		bus:      bus,
		grace:    grace,
		logger:   logger,
		rooms:    make(map[string]*Room),
		pending:  make(map[departureKey]*time.Timer),
	}
}

func (h *Hub) room(code string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[code]
}

func (h *Hub) getOrCreateRoom(code string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[code]; ok {
		return r, false
	}
	r := &Room{code: code, members: make(map[uuid.UUID]*Client)}
	h.rooms[code] = r
	h.logger.Debug("room created", zap.String("meeting_code", code))
	return r, true
}

// subscribe attaches the cross-instance subscription to a fresh room.
func (h *Hub) subscribe(r *Room) {
	if h.bus == nil {
		return
	}
	cancel, err := h.bus.SubscribeRoom(r.code, func(msg Message) {
		h.deliverAll(r.code, msg)
	})
	if err != nil {
		h.logger.Warn("room subscription failed", zap.String("meeting_code", r.code), zap.Error(err))
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return
	}
	r.unsubscribe = cancel
	r.mu.Unlock()
}

// deleteRoom drops r from the index. Caller has marked r closed.
func (h *Hub) deleteRoom(r *Room) {
	h.mu.Lock()
	if h.rooms[r.code] == r {
		delete(h.rooms, r.code)
	}
	h.mu.Unlock()
	r.mu.Lock()
	cancel := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.logger.Debug("room removed", zap.String("meeting_code", r.code))
}

// Join admits c into the room of code. The participant's status is re-read from presence;
// a prior connection of the same user is replaced and closed.
func (h *Hub) Join(ctx context.Context, c *Client, code string) error {
	if current := c.Meeting(); current != "" {
		if current != code {
			return fmt.Errorf("%w: already in meeting %s", apperr.ErrValidation, current)
		}
		h.announce(ctx, code)
		return nil
	}

	if err := h.admitted(ctx, code, c.UserID); err != nil {
		return err
	}
	h.cancelDeparture(code, c.UserID)

	var old *Client
	for {
		r, created := h.getOrCreateRoom(code)
		if created {
			h.subscribe(r)
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		old = r.members[c.UserID]
		r.members[c.UserID] = c
		c.attach(code)
		r.mu.Unlock()
		break
	}
	if old != nil && old != c {
		h.logger.Info("connection replaced",
			zap.String("meeting_code", code),
			zap.String("user_id", c.UserID.String()),
			zap.String("old_client_id", old.ID),
		)
		old.markDeparted()
		old.Close()
	}

	// A meeting end or removal between the first check and the attach found no member
	// to close. Presence is serialized, so a second check settles it.
	if err := h.admitted(ctx, code, c.UserID); err != nil {
		c.detach()
		h.removeMember(code, c)
		h.logger.Debug("join withdrawn",
			zap.String("meeting_code", code),
			zap.String("user_id", c.UserID.String()),
			zap.Error(err),
		)
		return err
	}
	h.logger.Debug("client joined room",
		zap.String("meeting_code", code),
		zap.String("user_id", c.UserID.String()),
		zap.String("client_id", c.ID),
	)
	h.announce(ctx, code)
	return nil
}

// admitted returns nil when userID holds a joined record in a live meeting.
func (h *Hub) admitted(ctx context.Context, code string, userID uuid.UUID) error {
	status, err := h.presence.Status(ctx, code, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return ErrNotAdmitted
		}
		return err
	}
	if status != models.ParticipantJoined {
		return ErrNotAdmitted
	}
	return nil
}

// announce has presence send the participant list, so it is ordered with every other update.
func (h *Hub) announce(ctx context.Context, code string) {
	if err := h.presence.Announce(ctx, code); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		h.logger.Warn("participant announce", zap.String("meeting_code", code), zap.Error(err))
	}
}

// Leave detaches c from its room. Unless c already departed (explicit leave, meeting end,
// replacement) the user's presence record is removed after the grace period.
func (h *Hub) Leave(c *Client) {
	code, departed := c.detach()
	if code == "" {
		return
	}
	removed := h.removeMember(code, c)
	h.logger.Debug("client left room",
		zap.String("meeting_code", code),
		zap.String("user_id", c.UserID.String()),
		zap.Bool("departed", departed),
	)
	if removed && !departed {
		h.scheduleDeparture(code, c.UserID)
	}
}

// removeMember reports whether c was the user's current connection.
func (h *Hub) removeMember(code string, c *Client) bool {
	r := h.room(code)
	if r == nil {
		return false
	}
	r.mu.Lock()
	if r.members[c.UserID] != c {
		r.mu.Unlock()
		return false
	}
	delete(r.members, c.UserID)
	empty := len(r.members) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()
	if empty {
		h.deleteRoom(r)
		h.presence.Evict(code)
	}
	return true
}

func (h *Hub) scheduleDeparture(code string, userID uuid.UUID) {
	if h.grace <= 0 {
		h.depart(code, userID)
		return
	}
	key := departureKey{code: code, userID: userID}
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if t, ok := h.pending[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(h.grace, func() {
		h.pendingMu.Lock()
		if h.pending[key] != t {
			h.pendingMu.Unlock()
			return
		}
		delete(h.pending, key)
		h.pendingMu.Unlock()
		h.depart(code, userID)
	})
	h.pending[key] = t
}

func (h *Hub) cancelDeparture(code string, userID uuid.UUID) {
	key := departureKey{code: code, userID: userID}
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if t, ok := h.pending[key]; ok {
		t.Stop()
		delete(h.pending, key)
	}
}

func (h *Hub) cancelAllDepartures(code string) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	for key, t := range h.pending {
		if key.code == code {
			t.Stop()
			delete(h.pending, key)
		}
	}
}

func (h *Hub) depart(code string, userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if _, err := h.presence.Leave(ctx, code, userID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		h.logger.Error("presence leave after disconnect",
			zap.String("meeting_code", code),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}

// LeaveMeeting handles an explicit leave: the presence record goes first, then the connection
// leaves the room without scheduling a second departure.
func (h *Hub) LeaveMeeting(ctx context.Context, c *Client) error {
	code := c.Meeting()
	if code == "" {
		return fmt.Errorf("%w: not in a meeting", apperr.ErrValidation)
	}
	c.markDeparted()
	_, err := h.presence.Leave(ctx, code, c.UserID)
	h.Leave(c)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return nil
}

// EndMeeting ends the caller's meeting; presence rejects non-hosts.
func (h *Hub) EndMeeting(ctx context.Context, c *Client, code string) error {
	if current := c.Meeting(); current == "" || current != code {
		return fmt.Errorf("%w: not in meeting %s", apperr.ErrValidation, code)
	}
	return h.presence.EndMeeting(ctx, code, c.UserID)
}

// Send routes a signaling envelope. A set recipient gets it on their current connection or
// not at all; otherwise every member except the sender gets it.
func (h *Hub) Send(code string, from uuid.UUID, to uuid.UUID, msg Message) bool {
	r := h.room(code)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if to != uuid.Nil {
		target, ok := r.members[to]
		if !ok {
			h.logger.Debug("recipient not connected, envelope dropped",
				zap.String("meeting_code", code),
				zap.String("event", msg.Event),
				zap.String("to", to.String()),
			)
			return false
		}
		return target.enqueue(msg)
	}
	for id, m := range r.members {
		if id != from {
			m.enqueue(msg)
		}
	}
	return true
}

// Broadcast sends msg to every member of the room, through the bus when one is configured.
func (h *Hub) Broadcast(code string, msg Message) {
	if h.bus != nil && h.subscribed(code) {
		err := h.bus.PublishRoomEvent(code, msg)
		if err == nil {
			return
		}
		h.logger.Warn("room publish failed, delivering locally", zap.String("meeting_code", code), zap.Error(err))
	}
	h.deliverAll(code, msg)
}

func (h *Hub) subscribed(code string) bool {
	r := h.room(code)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribe != nil
}

func (h *Hub) deliverAll(code string, msg Message) {
	r := h.room(code)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		m.enqueue(msg)
	}
}

// ParticipantUpdate implements presence.Notifier.
func (h *Hub) ParticipantUpdate(code string, participants []models.Participant) {
	if participants == nil {
		participants = []models.Participant{}
	}
	data, err := json.Marshal(participants)
	if err != nil {
		h.logger.Error("marshal participants", zap.Error(err))
		return
	}
	h.deliverAll(code, Message{Event: EventParticipantUpdate, Data: data})
}

// MeetingEnded implements presence.Notifier. Every member receives meetingEnded, then its
// connection is closed once the queue drains; none of them triggers a presence leave.
func (h *Hub) MeetingEnded(code string) {
	h.cancelAllDepartures(code)
	r := h.room(code)
	if r == nil {
		return
	}
	r.mu.Lock()
	members := make([]*Client, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.members = make(map[uuid.UUID]*Client)
	r.closed = true
	r.mu.Unlock()
	h.deleteRoom(r)

	msg := Message{Event: EventMeetingEnded, Data: json.RawMessage(`{}`)}
	for _, m := range members {
		m.markDeparted()
		m.detach()
		m.enqueue(msg)
		m.Close()
	}
	h.logger.Info("room closed by meeting end", zap.String("meeting_code", code), zap.Int("members", len(members)))
}

// Online returns the number of live connections in a meeting's room.
func (h *Hub) Online(code string) int {
	r := h.room(code)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
