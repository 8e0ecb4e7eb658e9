package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-meet/backend/pkg/queue"
)

type recordedJob struct {
	kind    queue.JobType
	payload queue.AttendancePayload
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []recordedJob
}

func (e *fakeEnqueuer) EnqueueAttendance(_ context.Context, t queue.JobType, p queue.AttendancePayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, recordedJob{t, p})
	return nil
}

func (e *fakeEnqueuer) snapshot() []recordedJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedJob(nil), e.jobs...)
}

func TestRecorder_EnqueuesInOrder(t *testing.T) {
	q := &fakeEnqueuer{}
	r := NewRecorder(q, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	meetingID, userID := uuid.New(), uuid.New()
	now := time.Now()
	r.Joined(meetingID, userID, now)
	r.Left(meetingID, userID, now.Add(time.Second))
	r.Ended(meetingID, "ABC234", now.Add(2*time.Second))

	require.Eventually(t, func() bool { return len(q.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	jobs := q.snapshot()
	assert.Equal(t, queue.JobTypeJoined, jobs[0].kind)
	assert.Equal(t, userID, jobs[0].payload.UserID)
	assert.Equal(t, queue.JobTypeLeft, jobs[1].kind)
	assert.Equal(t, queue.JobTypeMeetingEnded, jobs[2].kind)
	assert.Equal(t, "ABC234", jobs[2].payload.MeetingCode)
}

func TestRecorder_DrainsOnShutdown(t *testing.T) {
	q := &fakeEnqueuer{}
	r := NewRecorder(q, nil)
	r.Joined(uuid.New(), uuid.New(), time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)
	assert.Len(t, q.snapshot(), 1)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	q := &fakeEnqueuer{}
	r := NewRecorder(q, nil)
	for i := 0; i < recorderBuffer+10; i++ {
		r.Joined(uuid.New(), uuid.New(), time.Now())
	}
	assert.Len(t, r.jobs, recorderBuffer)
}
