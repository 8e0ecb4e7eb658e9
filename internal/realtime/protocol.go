package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Client → server events.
const (
	EventJoinMeeting       = "joinMeeting"
	EventSignal            = "signal"
	EventSendMessage       = "sendMessage"
	EventRaiseHand         = "raiseHand"
	EventToggleScreenShare = "toggleScreenShare"
	EventLeaveMeeting      = "leaveMeeting"
	EventEndMeeting        = "endMeeting"
)

// Peer-to-peer signaling envelopes, routed by "to" and relayed in both directions.
const (
	EventOffer        = "webrtc-offer"
	EventAnswer       = "webrtc-answer"
	EventICECandidate = "ice-candidate"
)

// Server → client events.
const (
	EventParticipantUpdate  = "participantUpdate"
	EventMeetingEnded       = "meetingEnded"
	EventNewMessage         = "newMessage"
	EventHandRaised         = "handRaised"
	EventScreenShareToggled = "screenShareToggled"
	EventError              = "error"
)

// Message is the WebSocket message envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals payload into a Message. A nil payload leaves Data empty.
func NewMessage(event string, payload interface{}) (Message, error) {
	if payload == nil {
		return Message{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Data: data}, nil
}

// JoinMeetingPayload is the body of joinMeeting and leaveMeeting.
type JoinMeetingPayload struct {
	MeetingCode string `json:"meetingCode"`
	UserID      string `json:"userId,omitempty"`
}

// EndMeetingPayload is the body of endMeeting.
type EndMeetingPayload struct {
	MeetingCode string `json:"meetingCode"`
}

// Route holds the only envelope fields the relay reads.
type Route struct {
	To          string `json:"to,omitempty"`
	From        string `json:"from,omitempty"`
	MeetingCode string `json:"meetingCode,omitempty"`
}

// Envelope is a full offer/answer/candidate body. Clients fill exactly one of the
// description or candidate fields; the relay forwards it untouched.
type Envelope struct {
	Route
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// SendMessagePayload is the body of sendMessage.
type SendMessagePayload struct {
	Text string `json:"text"`
}

// ChatMessage is the body of newMessage.
type ChatMessage struct {
	UserID    uuid.UUID `json:"userId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalPayload is the body of the legacy room-wide signal event.
type SignalPayload struct {
	UserID uuid.UUID       `json:"userId,omitempty"`
	Signal json.RawMessage `json:"signal"`
}

// HandRaised is the body of handRaised.
type HandRaised struct {
	UserID uuid.UUID `json:"userId"`
}

// ScreenSharePayload is the body of toggleScreenShare and screenShareToggled.
type ScreenSharePayload struct {
	UserID    uuid.UUID `json:"userId,omitempty"`
	IsSharing bool      `json:"isSharing"`
}

// ErrorPayload is the body of error.
type ErrorPayload struct {
	Message string `json:"message"`
}
