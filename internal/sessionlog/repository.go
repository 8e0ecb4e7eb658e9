package sessionlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-meet/backend/internal/models"
)

// Repository handles meeting_attendance: one row per join/leave span.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attendance log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin opens a span for the user. A span that is already open is kept, so replays are harmless.
func (r *Repository) LogJoin(ctx context.Context, meetingID, userID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO meeting_attendance (meeting_id, user_id, joined_at) VALUES ($1, $2, $3)
		 ON CONFLICT (meeting_id, user_id) WHERE left_at IS NULL DO NOTHING`,
		meetingID, userID, at)
	return err
}

// LogLeave closes the user's open span and records its duration.
func (r *Repository) LogLeave(ctx context.Context, meetingID, userID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE meeting_attendance
		 SET left_at = $3, duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - joined_at))::INTEGER)
		 WHERE meeting_id = $1 AND user_id = $2 AND left_at IS NULL`,
		meetingID, userID, at)
	return err
}

// CloseOpen closes every span still open when the meeting ends.
func (r *Repository) CloseOpen(ctx context.Context, meetingID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE meeting_attendance
		 SET left_at = $2, duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2 - joined_at))::INTEGER)
		 WHERE meeting_id = $1 AND left_at IS NULL`,
		meetingID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Totals holds the summed attendance and distinct attendee count for a meeting.
type Totals struct {
	TotalSeconds  int64
	DistinctUsers int
}

// GetTotals sums closed spans for a meeting.
func (r *Repository) GetTotals(ctx context.Context, meetingID uuid.UUID) (*Totals, error) {
	const q = `SELECT COALESCE(SUM(duration_seconds), 0), COUNT(DISTINCT user_id)
		FROM meeting_attendance WHERE meeting_id = $1 AND left_at IS NOT NULL`
	var t Totals
	if err := r.pool.QueryRow(ctx, q, meetingID).Scan(&t.TotalSeconds, &t.DistinctUsers); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByMeeting returns every span for a meeting, oldest join first.
func (r *Repository) ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]models.AttendanceLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, meeting_id, user_id, joined_at, left_at, duration_seconds
		 FROM meeting_attendance WHERE meeting_id = $1 ORDER BY joined_at, user_id`,
		meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.AttendanceLog{}
	for rows.Next() {
		var row models.AttendanceLog
		if err := rows.Scan(&row.ID, &row.MeetingID, &row.UserID, &row.JoinedAt, &row.LeftAt, &row.DurationSeconds); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
