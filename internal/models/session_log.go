package models

import (
	"time"

	"github.com/google/uuid"
)

// AttendanceLog tracks one join/leave span of a participant in a meeting.
type AttendanceLog struct {
	ID              uuid.UUID  `json:"id"`
	MeetingID       uuid.UUID  `json:"meeting_id"`
	UserID          uuid.UUID  `json:"user_id"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// AttendanceReport is the archive written when a meeting ends.
type AttendanceReport struct {
	MeetingID   uuid.UUID       `json:"meeting_id"`
	MeetingCode string          `json:"meeting_code"`
	EndedAt     time.Time       `json:"ended_at"`
	Attendees   []AttendanceLog `json:"attendees"`
	TotalUsers  int             `json:"total_users"`
}
