package models

import (
	"time"

	"github.com/google/uuid"
)

// MeetingStatus is the lifecycle state of a meeting. Ended is terminal.
type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "scheduled"
	MeetingOngoing   MeetingStatus = "ongoing"
	MeetingEnded     MeetingStatus = "ended"
)

// ParticipantStatus is the admission state of one participant.
type ParticipantStatus string

const (
	ParticipantWaiting ParticipantStatus = "waiting"
	ParticipantJoined  ParticipantStatus = "joined"
	ParticipantDenied  ParticipantStatus = "denied"
)

// MeetingSettings are host-declared flags. The core reports them, it does not enforce them.
type MeetingSettings struct {
	AllowScreenShare bool `json:"allowScreenShare"`
	AllowUnmute      bool `json:"allowUnmute"`
	AllowVideo       bool `json:"allowVideo"`
	AllowChat        bool `json:"allowChat"`
	AllowRaiseHand   bool `json:"allowRaiseHand"`
}

// DefaultMeetingSettings allows everything.
func DefaultMeetingSettings() MeetingSettings {
	return MeetingSettings{
		AllowScreenShare: true,
		AllowUnmute:      true,
		AllowVideo:       true,
		AllowChat:        true,
		AllowRaiseHand:   true,
	}
}

// Participant is one user's admission record within a meeting.
type Participant struct {
	UserID   uuid.UUID         `json:"userId"`
	Name     string            `json:"name"`
	Status   ParticipantStatus `json:"status"`
	JoinedAt *time.Time        `json:"joinedAt,omitempty"`
}

// Meeting is the registry record of a meeting and its participants.
type Meeting struct {
	ID           uuid.UUID       `json:"id"`
	HostID       uuid.UUID       `json:"host"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Code         string          `json:"meetingCode"`
	URL          string          `json:"meetingUrl"`
	Date         string          `json:"date"`
	Time         string          `json:"time"`
	IsInstant    bool            `json:"isInstant"`
	Status       MeetingStatus   `json:"status"`
	Settings     MeetingSettings `json:"settings"`
	Participants []Participant   `json:"participants"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// IsHost reports whether userID hosts the meeting.
func (m *Meeting) IsHost(userID uuid.UUID) bool {
	return m.HostID == userID
}

// Participant returns the index of userID's record, or -1.
func (m *Meeting) Participant(userID uuid.UUID) int {
	for i := range m.Participants {
		if m.Participants[i].UserID == userID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so a mutation can be persisted before it is committed.
func (m *Meeting) Clone() *Meeting {
	c := *m
	c.Participants = make([]Participant, len(m.Participants))
	for i, p := range m.Participants {
		if p.JoinedAt != nil {
			t := *p.JoinedAt
			p.JoinedAt = &t
		}
		c.Participants[i] = p
	}
	return &c
}
