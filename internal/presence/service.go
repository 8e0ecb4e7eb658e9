// Package presence is the admission state machine for live meetings.
//
// While a meeting is live its state here is authoritative: every mutation is applied to a
// copy, written through to the registry as a snapshot, committed in memory, and then
// announced with exactly one notification. Mutations on one meeting are serialized by
// that meeting's lock; different meetings never contend.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/apperr"
)

var (
	// ErrMeetingEnded is returned for any admission against an ended meeting.
	ErrMeetingEnded = fmt.Errorf("%w: meeting has ended", apperr.ErrNotFound)
	// ErrInvalidTransition is returned when a decision targets a record that is no longer waiting.
	ErrInvalidTransition = fmt.Errorf("%w: participant is not waiting", apperr.ErrValidation)
)

// Action is a host decision on a waiting participant.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionDeny     Action = "deny"
	ActionAllowAll Action = "allowAll"
)

// Registry is the durable meeting store.
type Registry interface {
	GetByCode(ctx context.Context, code string) (*models.Meeting, error)
	SaveSnapshot(ctx context.Context, m *models.Meeting) error
}

// Notifier delivers state changes to the meeting's room. Calls must not block.
type Notifier interface {
	ParticipantUpdate(code string, participants []models.Participant)
	MeetingEnded(code string)
}

// AttendanceRecorder receives join/leave facts for the attendance log. Calls must not block.
type AttendanceRecorder interface {
	Joined(meetingID, userID uuid.UUID, at time.Time)
	Left(meetingID, userID uuid.UUID, at time.Time)
	Ended(meetingID uuid.UUID, code string, at time.Time)
}

type meetingState struct {
	mu       sync.Mutex
	code     string
	meeting  *models.Meeting
	evicted  bool
	lastUsed time.Time
}

// Service tracks participant and meeting status for every live meeting.
type Service struct {
	registry   Registry
	notifier   Notifier
	attendance AttendanceRecorder
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	meetings map[string]*meetingState
}

// NewService creates the presence service. attendance may be nil.
func NewService(registry Registry, notifier Notifier, attendance AttendanceRecorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:   registry,
		notifier:   notifier,
		attendance: attendance,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		meetings:   make(map[string]*meetingState),
	}
}

// SetNotifier wires the room notifier after construction (the relay depends on the service too).
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// lock returns the meeting's state with its lock held, loading it from the registry on first use.
func (s *Service) lock(ctx context.Context, code string) (*meetingState, error) {
	for {
		s.mu.Lock()
		st, ok := s.meetings[code]
		if !ok {
			st = &meetingState{code: code}
			s.meetings[code] = st
		}
		s.mu.Unlock()

		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			continue
		}
		if st.meeting != nil {
			return st, nil
		}
		m, err := s.registry.GetByCode(ctx, code)
		if err != nil {
			s.dropLocked(code, st)
			st.mu.Unlock()
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, err
			}
			s.logger.Error("load meeting", zap.String("meeting_code", code), zap.Error(err))
			return nil, fmt.Errorf("%w: load meeting: %v", apperr.ErrInternal, err)
		}
		st.meeting = m
		return st, nil
	}
}

// unlock releases st. An ended meeting is dropped from memory on the way out; the registry
// answers for it from then on.
func (s *Service) unlock(st *meetingState) {
	if st.meeting != nil && st.meeting.Status == models.MeetingEnded {
		s.dropLocked(st.code, st)
	} else {
		st.lastUsed = s.now()
	}
	st.mu.Unlock()
}

// dropLocked removes st from the index. Caller holds st.mu.
func (s *Service) dropLocked(code string, st *meetingState) {
	st.evicted = true
	s.mu.Lock()
	if s.meetings[code] == st {
		delete(s.meetings, code)
	}
	s.mu.Unlock()
}

// commit persists next and makes it the live state.
func (s *Service) commit(ctx context.Context, st *meetingState, next *models.Meeting) error {
	next.UpdatedAt = s.now()
	if err := s.registry.SaveSnapshot(ctx, next); err != nil {
		s.logger.Error("save meeting snapshot", zap.String("meeting_code", next.Code), zap.Error(err))
		return fmt.Errorf("%w: save meeting: %v", apperr.ErrInternal, err)
	}
	st.meeting = next
	return nil
}

func (s *Service) notifyParticipants(m *models.Meeting) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.ParticipantUpdate(m.Code, m.Clone().Participants)
	}
}

// RequestAdmission creates the caller's participant record, or returns the existing one.
// The host is admitted immediately and starts a scheduled meeting. A denied participant
// asking again gets a fresh waiting record.
func (s *Service) RequestAdmission(ctx context.Context, code string, userID uuid.UUID, name string) (models.Participant, error) {
	st, err := s.lock(ctx, code)
	if err != nil {
		return models.Participant{}, err
	}
	defer s.unlock(st)

	m := st.meeting
	if m.Status == models.MeetingEnded {
		return models.Participant{}, ErrMeetingEnded
	}
	idx := m.Participant(userID)
	if idx >= 0 && m.Participants[idx].Status != models.ParticipantDenied {
		return m.Clone().Participants[idx], nil
	}

	next := m.Clone()
	if idx >= 0 {
		next.Participants = append(next.Participants[:idx], next.Participants[idx+1:]...)
	}
	p := models.Participant{UserID: userID, Name: name, Status: models.ParticipantWaiting}
	isHost := m.IsHost(userID)
	now := s.now()
	if isHost {
		p.Status = models.ParticipantJoined
		p.JoinedAt = &now
		if next.Status == models.MeetingScheduled {
			next.Status = models.MeetingOngoing
		}
	}
	next.Participants = append(next.Participants, p)

	if err := s.commit(ctx, st, next); err != nil {
		return models.Participant{}, err
	}
	s.logger.Debug("admission requested",
		zap.String("meeting_code", code),
		zap.String("user_id", userID.String()),
		zap.String("status", string(p.Status)),
	)
	if isHost && s.attendance != nil {
		s.attendance.Joined(m.ID, userID, now)
	}
	s.notifyParticipants(next)
	return p, nil
}

// Decide applies a host decision and returns the resulting participant set.
func (s *Service) Decide(ctx context.Context, code string, hostID, participantID uuid.UUID, action Action) ([]models.Participant, error) {
	switch action {
	case ActionAllow, ActionDeny, ActionAllowAll:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", apperr.ErrValidation, action)
	}

	st, err := s.lock(ctx, code)
	if err != nil {
		return nil, err
	}
	defer s.unlock(st)

	m := st.meeting
	if !m.IsHost(hostID) {
		return nil, fmt.Errorf("%w: only the host can admit participants", apperr.ErrForbidden)
	}
	if m.Status == models.MeetingEnded {
		return nil, ErrMeetingEnded
	}

	now := s.now()
	next := m.Clone()
	var admitted []uuid.UUID

	if action == ActionAllowAll {
		for i := range next.Participants {
			if next.Participants[i].Status == models.ParticipantWaiting {
				next.Participants[i].Status = models.ParticipantJoined
				next.Participants[i].JoinedAt = &now
				admitted = append(admitted, next.Participants[i].UserID)
			}
		}
		if len(admitted) == 0 {
			return next.Participants, nil
		}
	} else {
		idx := next.Participant(participantID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: participant", apperr.ErrNotFound)
		}
		p := &next.Participants[idx]
		switch {
		case action == ActionAllow && p.Status == models.ParticipantJoined,
			action == ActionDeny && p.Status == models.ParticipantDenied:
			return next.Participants, nil
		case p.Status != models.ParticipantWaiting:
			return nil, ErrInvalidTransition
		case action == ActionAllow:
			p.Status = models.ParticipantJoined
			p.JoinedAt = &now
			admitted = append(admitted, p.UserID)
		default:
			p.Status = models.ParticipantDenied
		}
	}

	if err := s.commit(ctx, st, next); err != nil {
		return nil, err
	}
	s.logger.Debug("admission decided",
		zap.String("meeting_code", code),
		zap.String("action", string(action)),
		zap.Int("admitted", len(admitted)),
	)
	if s.attendance != nil {
		for _, id := range admitted {
			s.attendance.Joined(m.ID, id, now)
		}
	}
	s.notifyParticipants(next)
	return next.Clone().Participants, nil
}

// Leave removes the caller's record. When the caller is the host the meeting ends for
// everyone and ended is true.
func (s *Service) Leave(ctx context.Context, code string, userID uuid.UUID) (ended bool, err error) {
	st, err := s.lock(ctx, code)
	if err != nil {
		return false, err
	}
	defer s.unlock(st)

	m := st.meeting
	if m.Status == models.MeetingEnded {
		return false, ErrMeetingEnded
	}
	if m.IsHost(userID) {
		return true, s.endLocked(ctx, st)
	}
	idx := m.Participant(userID)
	if idx < 0 {
		return false, fmt.Errorf("%w: participant", apperr.ErrNotFound)
	}

	next := m.Clone()
	left := next.Participants[idx]
	next.Participants = append(next.Participants[:idx], next.Participants[idx+1:]...)
	if err := s.commit(ctx, st, next); err != nil {
		return false, err
	}
	s.logger.Debug("participant left", zap.String("meeting_code", code), zap.String("user_id", userID.String()))
	if left.Status == models.ParticipantJoined && s.attendance != nil {
		s.attendance.Left(m.ID, userID, s.now())
	}
	s.notifyParticipants(next)
	return false, nil
}

// EndMeeting terminates the meeting. Ending an ended meeting is a no-op.
func (s *Service) EndMeeting(ctx context.Context, code string, hostID uuid.UUID) error {
	st, err := s.lock(ctx, code)
	if err != nil {
		return err
	}
	defer s.unlock(st)

	if !st.meeting.IsHost(hostID) {
		return fmt.Errorf("%w: only the host can end the meeting", apperr.ErrForbidden)
	}
	if st.meeting.Status == models.MeetingEnded {
		return nil
	}
	return s.endLocked(ctx, st)
}

func (s *Service) endLocked(ctx context.Context, st *meetingState) error {
	m := st.meeting
	next := m.Clone()
	next.Status = models.MeetingEnded
	next.Participants = []models.Participant{}
	if err := s.commit(ctx, st, next); err != nil {
		return err
	}
	s.logger.Info("meeting ended", zap.String("meeting_code", m.Code))

	now := s.now()
	if s.attendance != nil {
		for _, p := range m.Participants {
			if p.Status == models.ParticipantJoined {
				s.attendance.Left(m.ID, p.UserID, now)
			}
		}
		s.attendance.Ended(m.ID, m.Code, now)
	}
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.MeetingEnded(m.Code)
	}
	return nil
}

// Status returns userID's admission status in the meeting.
func (s *Service) Status(ctx context.Context, code string, userID uuid.UUID) (models.ParticipantStatus, error) {
	st, err := s.lock(ctx, code)
	if err != nil {
		return "", err
	}
	defer s.unlock(st)

	if st.meeting.Status == models.MeetingEnded {
		return "", ErrMeetingEnded
	}
	idx := st.meeting.Participant(userID)
	if idx < 0 {
		return "", fmt.Errorf("%w: participant", apperr.ErrNotFound)
	}
	return st.meeting.Participants[idx].Status, nil
}

// Snapshot returns a copy of the live meeting.
func (s *Service) Snapshot(ctx context.Context, code string) (*models.Meeting, error) {
	st, err := s.lock(ctx, code)
	if err != nil {
		return nil, err
	}
	defer s.unlock(st)
	return st.meeting.Clone(), nil
}

// Participants returns a copy of the live participant set.
func (s *Service) Participants(ctx context.Context, code string) ([]models.Participant, error) {
	m, err := s.Snapshot(ctx, code)
	if err != nil {
		return nil, err
	}
	return m.Participants, nil
}

// Evict drops the in-memory state of a meeting. The registry already holds every committed
// snapshot, so the next access reloads it.
func (s *Service) Evict(code string) {
	s.mu.Lock()
	st, ok := s.meetings[code]
	s.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	s.dropLocked(code, st)
	st.mu.Unlock()
}

// Announce sends the current participant set of a live meeting to its room. The list is
// produced under the meeting lock, so it can never arrive after a newer update.
func (s *Service) Announce(ctx context.Context, code string) error {
	st, err := s.lock(ctx, code)
	if err != nil {
		return err
	}
	defer s.unlock(st)

	if st.meeting.Status == models.MeetingEnded {
		return ErrMeetingEnded
	}
	s.notifyParticipants(st.meeting)
	return nil
}

// Sweep drops meetings that have not been touched for idle and are not in use, such as
// meetings only ever reached over REST. It returns how many were dropped.
func (s *Service) Sweep(idle time.Duration, inUse func(code string) bool) int {
	s.mu.Lock()
	states := make([]*meetingState, 0, len(s.meetings))
	for _, st := range s.meetings {
		states = append(states, st)
	}
	s.mu.Unlock()

	cutoff := s.now().Add(-idle)
	dropped := 0
	for _, st := range states {
		if inUse != nil && inUse(st.code) {
			continue
		}
		st.mu.Lock()
		if !st.evicted && st.meeting != nil && !st.lastUsed.After(cutoff) {
			s.dropLocked(st.code, st)
			dropped++
		}
		st.mu.Unlock()
	}
	if dropped > 0 {
		s.logger.Debug("idle meetings swept", zap.Int("dropped", dropped))
	}
	return dropped
}

// Live reports how many meetings currently have in-memory state.
func (s *Service) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.meetings)
}
