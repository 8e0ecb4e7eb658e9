package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/pkg/queue"
)

const (
	recorderBuffer  = 1024
	enqueueDeadline = 5 * time.Second
)

// Enqueuer accepts attendance jobs.
type Enqueuer interface {
	EnqueueAttendance(ctx context.Context, t queue.JobType, payload queue.AttendancePayload) error
}

type pendingJob struct {
	kind    queue.JobType
	payload queue.AttendancePayload
}

// Recorder turns presence attendance events into queued jobs. Its methods never block:
// events are buffered and pushed by Run, and dropped with a warning when the buffer is full.
type Recorder struct {
	queue  Enqueuer
	jobs   chan pendingJob
	logger *zap.Logger
}

// NewRecorder creates a recorder. Call Run to start pushing.
func NewRecorder(q Enqueuer, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{queue: q, jobs: make(chan pendingJob, recorderBuffer), logger: logger}
}

// Joined records the start of a participant's span.
func (r *Recorder) Joined(meetingID, userID uuid.UUID, at time.Time) {
	r.push(queue.JobTypeJoined, queue.AttendancePayload{MeetingID: meetingID, UserID: userID, At: at})
}

// Left records the end of a participant's span.
func (r *Recorder) Left(meetingID, userID uuid.UUID, at time.Time) {
	r.push(queue.JobTypeLeft, queue.AttendancePayload{MeetingID: meetingID, UserID: userID, At: at})
}

// Ended records the end of the meeting.
func (r *Recorder) Ended(meetingID uuid.UUID, code string, at time.Time) {
	r.push(queue.JobTypeMeetingEnded, queue.AttendancePayload{MeetingID: meetingID, MeetingCode: code, At: at})
}

func (r *Recorder) push(kind queue.JobType, payload queue.AttendancePayload) {
	select {
	case r.jobs <- pendingJob{kind: kind, payload: payload}:
	default:
		r.logger.Warn("attendance buffer full, dropping event",
			zap.String("type", string(kind)),
			zap.String("meeting_id", payload.MeetingID.String()))
	}
}

// Run pushes buffered events to the queue in order until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case j := <-r.jobs:
			r.enqueue(j)
		case <-ctx.Done():
			for {
				select {
				case j := <-r.jobs:
					r.enqueue(j)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) enqueue(j pendingJob) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueDeadline)
	defer cancel()
	if err := r.queue.EnqueueAttendance(ctx, j.kind, j.payload); err != nil {
		r.logger.Error("enqueue attendance job", zap.String("type", string(j.kind)), zap.Error(err))
	}
}
