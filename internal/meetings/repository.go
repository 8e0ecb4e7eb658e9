package meetings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/apperr"
)

const uniqueViolation = "23505"

// ErrCodeTaken is returned when a meeting code is already in use.
var ErrCodeTaken = fmt.Errorf("%w: meeting code already in use", apperr.ErrValidation)

// Repository is the Meeting Registry: meetings and their participant snapshots in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a meeting repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const meetingColumns = `id, host_id, title, description, code, url, meeting_date, meeting_time,
	is_instant, status, settings, created_at, updated_at`

func scanMeeting(row pgx.Row) (*models.Meeting, error) {
	var m models.Meeting
	var status string
	err := row.Scan(&m.ID, &m.HostID, &m.Title, &m.Description, &m.Code, &m.URL, &m.Date, &m.Time,
		&m.IsInstant, &status, &m.Settings, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = models.MeetingStatus(status)
	return &m, nil
}

// Create inserts a new meeting.
func (r *Repository) Create(ctx context.Context, m *models.Meeting) error {
	const q = `INSERT INTO meetings (host_id, title, description, code, url, meeting_date, meeting_time, is_instant, status, settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, m.HostID, m.Title, m.Description, m.Code, m.URL, m.Date, m.Time,
		m.IsInstant, string(m.Status), m.Settings).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrCodeTaken
	}
	return err
}

// GetByCode returns a meeting with its participants.
func (r *Repository) GetByCode(ctx context.Context, code string) (*models.Meeting, error) {
	m, err := scanMeeting(r.pool.QueryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: meeting %s", apperr.ErrNotFound, code)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT user_id, name, status, joined_at
		FROM meeting_participants WHERE meeting_id = $1 ORDER BY joined_at NULLS LAST, user_id`, m.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	m.Participants = []models.Participant{}
	for rows.Next() {
		var p models.Participant
		var status string
		if err := rows.Scan(&p.UserID, &p.Name, &status, &p.JoinedAt); err != nil {
			return nil, err
		}
		p.Status = models.ParticipantStatus(status)
		m.Participants = append(m.Participants, p)
	}
	return m, rows.Err()
}

// ListByHost returns the meetings hosted by hostID ordered by date and time, without participants.
func (r *Repository) ListByHost(ctx context.Context, hostID uuid.UUID) ([]models.Meeting, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+meetingColumns+` FROM meetings
		WHERE host_id = $1 ORDER BY meeting_date, meeting_time, created_at`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.Meeting{}
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// SaveSnapshot replaces the meeting's status, settings and participant set in one transaction.
func (r *Repository) SaveSnapshot(ctx context.Context, m *models.Meeting) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE meetings SET status = $1, settings = $2, updated_at = $3 WHERE id = $4`,
			string(m.Status), m.Settings, m.UpdatedAt, m.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: meeting %s", apperr.ErrNotFound, m.Code)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM meeting_participants WHERE meeting_id = $1`, m.ID); err != nil {
			return err
		}
		if len(m.Participants) == 0 {
			return nil
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"meeting_participants"},
			[]string{"meeting_id", "user_id", "name", "status", "joined_at"},
			pgx.CopyFromSlice(len(m.Participants), func(i int) ([]any, error) {
				p := m.Participants[i]
				return []any{m.ID, p.UserID, p.Name, string(p.Status), p.JoinedAt}, nil
			}),
		)
		return err
	})
}

// Delete removes a meeting by ID.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM meetings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: meeting", apperr.ErrNotFound)
	}
	return nil
}
