package meetings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/middleware"
	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/internal/presence"
	"github.com/aura-meet/backend/pkg/apperr"
	"github.com/aura-meet/backend/pkg/response"
)

const (
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04"
	codeAttempts    = 5
	allParticipants = "*"
)

// Store is the meeting persistence the handler needs.
type Store interface {
	Create(ctx context.Context, m *models.Meeting) error
	GetByCode(ctx context.Context, code string) (*models.Meeting, error)
	ListByHost(ctx context.Context, hostID uuid.UUID) ([]models.Meeting, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Presence is the admission state machine behind the live endpoints.
type Presence interface {
	RequestAdmission(ctx context.Context, code string, userID uuid.UUID, name string) (models.Participant, error)
	Decide(ctx context.Context, code string, hostID, participantID uuid.UUID, action presence.Action) ([]models.Participant, error)
	Leave(ctx context.Context, code string, userID uuid.UUID) (bool, error)
	EndMeeting(ctx context.Context, code string, hostID uuid.UUID) error
	Snapshot(ctx context.Context, code string) (*models.Meeting, error)
	Participants(ctx context.Context, code string) ([]models.Participant, error)
	Evict(code string)
}

// AttendanceLog lists recorded attendance for a meeting.
type AttendanceLog interface {
	ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]models.AttendanceLog, error)
}

// CreateRequest is the body for POST /meetings.
type CreateRequest struct {
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	Date        string                  `json:"date"`
	Time        string                  `json:"time"`
	Code        string                  `json:"meetingCode"`
	URL         string                  `json:"meetingUrl"`
	Settings    *models.MeetingSettings `json:"settings"`
}

// InstantRequest is the optional body for POST /meetings/instant.
type InstantRequest struct {
	Title    string                  `json:"title"`
	Settings *models.MeetingSettings `json:"settings"`
}

// InstantResponse is returned by POST /meetings/instant.
type InstantResponse struct {
	Code    string          `json:"meetingCode"`
	URL     string          `json:"meetingUrl"`
	Meeting *models.Meeting `json:"meeting"`
}

// JoinResponse is returned by POST /meetings/:code/join.
type JoinResponse struct {
	MeetingID  uuid.UUID                `json:"meetingId"`
	Status     models.ParticipantStatus `json:"status"`
	IceServers []webrtc.ICEServer       `json:"iceServers"`
	Settings   models.MeetingSettings   `json:"settings"`
}

// AdmitRequest is the body for POST /meetings/:code/admit.
type AdmitRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
	Action        string `json:"action" binding:"required"`
}

// Handler handles meeting HTTP endpoints.
type Handler struct {
	store      Store
	presence   Presence
	attendance AttendanceLog
	baseURL    string
	iceServers []webrtc.ICEServer
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates a meeting handler. baseURL prefixes generated meeting URLs.
func NewHandler(store Store, live Presence, attendance AttendanceLog, baseURL string, iceServers []webrtc.ICEServer, logger *zap.Logger) *Handler {
	if iceServers == nil {
		iceServers = []webrtc.ICEServer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:      store,
		presence:   live,
		attendance: attendance,
		baseURL:    strings.TrimRight(baseURL, "/"),
		iceServers: iceServers,
		logger:     logger,
		now:        time.Now,
	}
}

// Register mounts the meeting routes on a JWT-protected group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/meetings", h.Create)
	g.POST("/meetings/instant", h.CreateInstant)
	g.GET("/meetings", h.List)
	g.GET("/meetings/:code", h.Get)
	g.DELETE("/meetings/:code", h.Delete)
	g.POST("/meetings/:code/join", h.Join)
	g.POST("/meetings/:code/leave", h.Leave)
	g.POST("/meetings/:code/admit", h.Admit)
	g.POST("/meetings/:code/end", h.End)
	g.GET("/meetings/:code/participants", h.Participants)
	g.GET("/meetings/:code/attendance", h.Attendance)
}

func (h *Handler) meetingURL(code string) string {
	return h.baseURL + "/meeting/" + code
}

// insert stores m, generating a code when m has none. Generated codes retry on collision.
func (h *Handler) insert(ctx context.Context, m *models.Meeting) error {
	if m.Code != "" {
		if m.URL == "" {
			m.URL = h.meetingURL(m.Code)
		}
		return h.store.Create(ctx, m)
	}
	customURL := m.URL != ""
	for i := 0; i < codeAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return fmt.Errorf("%w: generate code: %v", apperr.ErrInternal, err)
		}
		m.Code = code
		if !customURL {
			m.URL = h.meetingURL(code)
		}
		err = h.store.Create(ctx, m)
		if !errors.Is(err, ErrCodeTaken) {
			return err
		}
	}
	return fmt.Errorf("%w: could not allocate a meeting code", apperr.ErrInternal)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if !errors.Is(err, apperr.ErrValidation) && !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrForbidden) {
		h.logger.Error(op, zap.String("meeting_code", c.Param("code")), zap.Error(err))
	}
	response.Error(c, err)
}

// Create handles POST /meetings.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Code = strings.TrimSpace(req.Code)
	if req.Title == "" || req.Date == "" || req.Time == "" {
		response.BadRequest(c, "title, date and time are required")
		return
	}
	if _, err := time.Parse(dateLayout, req.Date); err != nil {
		response.BadRequest(c, "date must be YYYY-MM-DD")
		return
	}
	if _, err := time.Parse(timeLayout, req.Time); err != nil {
		response.BadRequest(c, "time must be HH:MM")
		return
	}
	if req.Code != "" && !validCode(req.Code) {
		response.BadRequest(c, "meetingCode must be 4-32 letters, digits or dashes")
		return
	}

	settings := models.DefaultMeetingSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	m := &models.Meeting{
		HostID:       middleware.UserID(c),
		Title:        req.Title,
		Description:  req.Description,
		Code:         req.Code,
		URL:          strings.TrimSpace(req.URL),
		Date:         req.Date,
		Time:         req.Time,
		Status:       models.MeetingScheduled,
		Settings:     settings,
		Participants: []models.Participant{},
	}
	if err := h.insert(c.Request.Context(), m); err != nil {
		h.fail(c, "create meeting", err)
		return
	}
	h.logger.Info("meeting created", zap.String("meeting_code", m.Code), zap.String("host_id", m.HostID.String()))
	response.Created(c, m)
}

// CreateInstant handles POST /meetings/instant. The meeting is ongoing from creation.
func (h *Handler) CreateInstant(c *gin.Context) {
	var req InstantRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Instant meeting"
	}
	settings := models.DefaultMeetingSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	now := h.now().UTC()
	m := &models.Meeting{
		HostID:       middleware.UserID(c),
		Title:        title,
		Date:         now.Format(dateLayout),
		Time:         now.Format(timeLayout),
		IsInstant:    true,
		Status:       models.MeetingOngoing,
		Settings:     settings,
		Participants: []models.Participant{},
	}
	if err := h.insert(c.Request.Context(), m); err != nil {
		h.fail(c, "create instant meeting", err)
		return
	}
	h.logger.Info("instant meeting created", zap.String("meeting_code", m.Code), zap.String("host_id", m.HostID.String()))
	response.Created(c, InstantResponse{Code: m.Code, URL: m.URL, Meeting: m})
}

// List handles GET /meetings: the caller's hosted meetings.
func (h *Handler) List(c *gin.Context) {
	list, err := h.store.ListByHost(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.fail(c, "list meetings", err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /meetings/:code with the live participant set.
func (h *Handler) Get(c *gin.Context) {
	m, err := h.presence.Snapshot(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, "get meeting", err)
		return
	}
	response.OK(c, m)
}

// Delete handles DELETE /meetings/:code (host only). A live meeting is ended first.
func (h *Handler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")
	userID := middleware.UserID(c)

	m, err := h.store.GetByCode(ctx, code)
	if err != nil {
		h.fail(c, "delete meeting", err)
		return
	}
	if !m.IsHost(userID) {
		response.Forbidden(c, "only the host can delete the meeting")
		return
	}
	if m.Status != models.MeetingEnded {
		if err := h.presence.EndMeeting(ctx, code, userID); err != nil {
			h.fail(c, "end meeting before delete", err)
			return
		}
	}
	h.presence.Evict(code)
	if err := h.store.Delete(ctx, m.ID); err != nil {
		h.fail(c, "delete meeting", err)
		return
	}
	h.logger.Info("meeting deleted", zap.String("meeting_code", code))
	response.NoContent(c)
}

// Join handles POST /meetings/:code/join: request admission and return connection details.
func (h *Handler) Join(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")
	p, err := h.presence.RequestAdmission(ctx, code, middleware.UserID(c), middleware.UserName(c))
	if err != nil {
		h.fail(c, "request admission", err)
		return
	}
	m, err := h.presence.Snapshot(ctx, code)
	if err != nil {
		h.fail(c, "request admission", err)
		return
	}
	response.OK(c, JoinResponse{
		MeetingID:  m.ID,
		Status:     p.Status,
		IceServers: h.iceServers,
		Settings:   m.Settings,
	})
}

// Leave handles POST /meetings/:code/leave. When the host leaves the meeting ends.
func (h *Handler) Leave(c *gin.Context) {
	ended, err := h.presence.Leave(c.Request.Context(), c.Param("code"), middleware.UserID(c))
	if err != nil {
		h.fail(c, "leave meeting", err)
		return
	}
	response.OK(c, gin.H{"ended": ended})
}

// Admit handles POST /meetings/:code/admit (host only). participantId "*" allows every waiting participant.
func (h *Handler) Admit(c *gin.Context) {
	var req AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	action := presence.Action(req.Action)
	var participantID uuid.UUID
	if req.ParticipantID == allParticipants {
		action = presence.ActionAllowAll
	} else {
		id, err := uuid.Parse(req.ParticipantID)
		if err != nil {
			response.BadRequest(c, "invalid participantId")
			return
		}
		participantID = id
	}
	ps, err := h.presence.Decide(c.Request.Context(), c.Param("code"), middleware.UserID(c), participantID, action)
	if err != nil {
		h.fail(c, "admission decision", err)
		return
	}
	response.OK(c, ps)
}

// End handles POST /meetings/:code/end (host only).
func (h *Handler) End(c *gin.Context) {
	if err := h.presence.EndMeeting(c.Request.Context(), c.Param("code"), middleware.UserID(c)); err != nil {
		h.fail(c, "end meeting", err)
		return
	}
	response.OK(c, gin.H{"status": models.MeetingEnded})
}

// Participants handles GET /meetings/:code/participants.
func (h *Handler) Participants(c *gin.Context) {
	ps, err := h.presence.Participants(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, "list participants", err)
		return
	}
	response.OK(c, ps)
}

// Attendance handles GET /meetings/:code/attendance (host only).
func (h *Handler) Attendance(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := h.store.GetByCode(ctx, c.Param("code"))
	if err != nil {
		h.fail(c, "attendance", err)
		return
	}
	if !m.IsHost(middleware.UserID(c)) {
		response.Forbidden(c, "only the host can view attendance")
		return
	}
	rows, err := h.attendance.ListByMeeting(ctx, m.ID)
	if err != nil {
		h.fail(c, "attendance", err)
		return
	}
	response.OK(c, rows)
}
