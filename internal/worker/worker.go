package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/queue"
	"github.com/aura-meet/backend/pkg/storage"
)

// AttendanceStore is the attendance log written by the processor.
type AttendanceStore interface {
	LogJoin(ctx context.Context, meetingID, userID uuid.UUID, at time.Time) error
	LogLeave(ctx context.Context, meetingID, userID uuid.UUID, at time.Time) error
	CloseOpen(ctx context.Context, meetingID uuid.UUID, at time.Time) (int64, error)
	ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]models.AttendanceLog, error)
}

// ReportUploader archives a finished meeting's attendance report.
type ReportUploader interface {
	UploadReport(ctx context.Context, key string, body []byte) (string, error)
}

// JobSource is the queue the processor drains.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// AttendanceProcessor applies attendance jobs to the log and archives reports at meeting end.
type AttendanceProcessor struct {
	store   AttendanceStore
	reports ReportUploader
	queue   JobSource
	logger  *zap.Logger
	backoff time.Duration
}

// NewAttendanceProcessor creates the processor. reports may be nil when no bucket is configured.
func NewAttendanceProcessor(store AttendanceStore, reports ReportUploader, q JobSource, logger *zap.Logger) *AttendanceProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceProcessor{store: store, reports: reports, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one job.
func (p *AttendanceProcessor) Process(ctx context.Context, job *queue.Job) error {
	var payload queue.AttendancePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	switch job.Type {
	case queue.JobTypeJoined:
		return p.store.LogJoin(ctx, payload.MeetingID, payload.UserID, payload.At)
	case queue.JobTypeLeft:
		return p.store.LogLeave(ctx, payload.MeetingID, payload.UserID, payload.At)
	case queue.JobTypeMeetingEnded:
		return p.finish(ctx, payload)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *AttendanceProcessor) finish(ctx context.Context, payload queue.AttendancePayload) error {
	closed, err := p.store.CloseOpen(ctx, payload.MeetingID, payload.At)
	if err != nil {
		return fmt.Errorf("close open spans: %w", err)
	}
	if p.reports == nil {
		p.logger.Info("meeting attendance closed", zap.String("meeting_code", payload.MeetingCode), zap.Int64("closed", closed))
		return nil
	}

	rows, err := p.store.ListByMeeting(ctx, payload.MeetingID)
	if err != nil {
		return fmt.Errorf("list attendance: %w", err)
	}
	report := BuildReport(payload.MeetingID, payload.MeetingCode, payload.At, rows)
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := storage.ReportKey(payload.MeetingCode, payload.MeetingID.String(), payload.At)
	url, err := p.reports.UploadReport(ctx, key, body)
	if err != nil {
		return fmt.Errorf("upload report: %w", err)
	}
	p.logger.Info("attendance report uploaded",
		zap.String("meeting_code", payload.MeetingCode),
		zap.Int("attendees", report.TotalUsers),
		zap.String("url", url))
	return nil
}

// BuildReport summarizes attendance spans for the archive.
func BuildReport(meetingID uuid.UUID, code string, endedAt time.Time, rows []models.AttendanceLog) models.AttendanceReport {
	users := make(map[uuid.UUID]struct{}, len(rows))
	for _, r := range rows {
		users[r.UserID] = struct{}{}
	}
	if rows == nil {
		rows = []models.AttendanceLog{}
	}
	return models.AttendanceReport{
		MeetingID:   meetingID,
		MeetingCode: code,
		EndedAt:     endedAt,
		Attendees:   rows,
		TotalUsers:  len(users),
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *AttendanceProcessor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("attendance worker stopping")
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *AttendanceProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
