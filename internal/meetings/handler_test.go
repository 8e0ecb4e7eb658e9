package meetings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-meet/backend/internal/middleware"
	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/internal/presence"
	"github.com/aura-meet/backend/pkg/apperr"
)

const baseURL = "https://meet.example.com"

// memStore backs both the handler and the presence service.
type memStore struct {
	mu       sync.Mutex
	meetings map[string]*models.Meeting
}

func newMemStore() *memStore {
	return &memStore{meetings: make(map[string]*models.Meeting)}
}

func (s *memStore) Create(_ context.Context, m *models.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[m.Code]; ok {
		return ErrCodeTaken
	}
	m.ID = uuid.New()
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	s.meetings[m.Code] = m.Clone()
	return nil
}

func (s *memStore) GetByCode(_ context.Context, code string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[code]
	if !ok {
		return nil, fmt.Errorf("%w: meeting %s", apperr.ErrNotFound, code)
	}
	return m.Clone(), nil
}

func (s *memStore) ListByHost(_ context.Context, hostID uuid.UUID) ([]models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []models.Meeting{}
	for _, m := range s.meetings {
		if m.HostID == hostID {
			list = append(list, *m.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Date+list[i].Time < list[j].Date+list[j].Time
	})
	return list, nil
}

func (s *memStore) SaveSnapshot(_ context.Context, m *models.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.Code] = m.Clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, m := range s.meetings {
		if m.ID == id {
			delete(s.meetings, code)
			return nil
		}
	}
	return fmt.Errorf("%w: meeting", apperr.ErrNotFound)
}

type fakeAttendance struct {
	rows []models.AttendanceLog
}

func (a *fakeAttendance) ListByMeeting(_ context.Context, meetingID uuid.UUID) ([]models.AttendanceLog, error) {
	out := []models.AttendanceLog{}
	for _, r := range a.rows {
		if r.MeetingID == meetingID {
			out = append(out, r)
		}
	}
	return out, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testAPI struct {
	router     *gin.Engine
	store      *memStore
	attendance *fakeAttendance
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := newMemStore()
	att := &fakeAttendance{}
	svc := presence.NewService(store, nil, nil, nil)
	ice := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	h := NewHandler(store, svc, att, baseURL+"/", ice, nil)

	r := gin.New()
	g := r.Group("/api", func(c *gin.Context) {
		id, err := uuid.Parse(c.GetHeader("X-Test-User"))
		require.NoError(t, err)
		c.Set(middleware.ContextUserID, id)
		c.Set(middleware.ContextUserName, "user-"+id.String()[:4])
		c.Next()
	})
	h.Register(g)
	return &testAPI{router: r, store: store, attendance: att}
}

func (a *testAPI) do(t *testing.T, method, path string, user uuid.UUID, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user.String())
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (a *testAPI) create(t *testing.T, host uuid.UUID, body map[string]any) models.Meeting {
	t.Helper()
	code, env := a.do(t, http.MethodPost, "/api/meetings", host, body)
	require.Equal(t, http.StatusCreated, code, env.Error)
	return decode[models.Meeting](t, env)
}

func standup() map[string]any {
	return map[string]any{"title": "Standup", "date": "2024-03-01", "time": "09:30"}
}

func TestCreate_Validation(t *testing.T) {
	api := newTestAPI(t)
	host := uuid.New()

	cases := map[string]map[string]any{
		"missing title": {"date": "2024-03-01", "time": "09:30"},
		"missing date":  {"title": "x", "time": "09:30"},
		"bad date":      {"title": "x", "date": "01/03/2024", "time": "09:30"},
		"bad time":      {"title": "x", "date": "2024-03-01", "time": "9am"},
		"bad code":      {"title": "x", "date": "2024-03-01", "time": "09:30", "meetingCode": "a b"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, env := api.do(t, http.MethodPost, "/api/meetings", host, body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestCreate_GeneratesCodeAndURL(t *testing.T) {
	api := newTestAPI(t)
	host := uuid.New()

	m := api.create(t, host, standup())
	assert.Len(t, m.Code, codeLength)
	for _, r := range m.Code {
		assert.True(t, strings.ContainsRune(codeChars, r), "unexpected %q in code", r)
	}
	assert.Equal(t, baseURL+"/meeting/"+m.Code, m.URL)
	assert.Equal(t, models.MeetingScheduled, m.Status)
	assert.Equal(t, host, m.HostID)
	assert.Equal(t, models.DefaultMeetingSettings(), m.Settings)
}

func TestCreate_CustomCodeTaken(t *testing.T) {
	api := newTestAPI(t)
	host := uuid.New()
	body := standup()
	body["meetingCode"] = "team-sync"

	m := api.create(t, host, body)
	assert.Equal(t, "team-sync", m.Code)

	code, env := api.do(t, http.MethodPost, "/api/meetings", host, body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error, "already in use")
}

func TestCreateInstant(t *testing.T) {
	api := newTestAPI(t)
	host := uuid.New()

	code, env := api.do(t, http.MethodPost, "/api/meetings/instant", host, nil)
	require.Equal(t, http.StatusCreated, code, env.Error)
	resp := decode[InstantResponse](t, env)
	assert.Equal(t, resp.Meeting.Code, resp.Code)
	assert.Equal(t, baseURL+"/meeting/"+resp.Code, resp.URL)
	assert.True(t, resp.Meeting.IsInstant)
	assert.Equal(t, models.MeetingOngoing, resp.Meeting.Status)
}

func TestList_OnlyCallersMeetingsSorted(t *testing.T) {
	api := newTestAPI(t)
	host, other := uuid.New(), uuid.New()

	later := standup()
	later["date"] = "2024-03-02"
	api.create(t, host, later)
	api.create(t, host, standup())
	api.create(t, other, standup())

	code, env := api.do(t, http.MethodGet, "/api/meetings", host, nil)
	require.Equal(t, http.StatusOK, code)
	list := decode[[]models.Meeting](t, env)
	require.Len(t, list, 2)
	assert.Equal(t, "2024-03-01", list[0].Date)
	assert.Equal(t, "2024-03-02", list[1].Date)
}

func TestJoinAndAdmit(t *testing.T) {
	api := newTestAPI(t)
	host, guest := uuid.New(), uuid.New()
	m := api.create(t, host, standup())
	base := "/api/meetings/" + m.Code

	code, env := api.do(t, http.MethodPost, base+"/join", host, nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	hostJoin := decode[JoinResponse](t, env)
	assert.Equal(t, models.ParticipantJoined, hostJoin.Status)
	assert.Equal(t, m.ID, hostJoin.MeetingID)
	require.Len(t, hostJoin.IceServers, 1)

	code, env = api.do(t, http.MethodPost, base+"/join", guest, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.ParticipantWaiting, decode[JoinResponse](t, env).Status)

	code, _ = api.do(t, http.MethodPost, base+"/admit", guest, AdmitRequest{ParticipantID: guest.String(), Action: "allow"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env = api.do(t, http.MethodPost, base+"/admit", host, AdmitRequest{ParticipantID: guest.String(), Action: "allow"})
	require.Equal(t, http.StatusOK, code, env.Error)
	ps := decode[[]models.Participant](t, env)
	require.Len(t, ps, 2)
	for _, p := range ps {
		assert.Equal(t, models.ParticipantJoined, p.Status)
	}

	code, env = api.do(t, http.MethodGet, base, guest, nil)
	require.Equal(t, http.StatusOK, code)
	live := decode[models.Meeting](t, env)
	assert.Equal(t, models.MeetingOngoing, live.Status)
	assert.Len(t, live.Participants, 2)
}

func TestAdmit_AllowAllAndBadInput(t *testing.T) {
	api := newTestAPI(t)
	host := uuid.New()
	m := api.create(t, host, standup())
	base := "/api/meetings/" + m.Code

	api.do(t, http.MethodPost, base+"/join", host, nil)
	for i := 0; i < 3; i++ {
		api.do(t, http.MethodPost, base+"/join", uuid.New(), nil)
	}

	code, _ := api.do(t, http.MethodPost, base+"/admit", host, AdmitRequest{ParticipantID: "not-a-uuid", Action: "allow"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = api.do(t, http.MethodPost, base+"/admit", host, AdmitRequest{ParticipantID: uuid.NewString(), Action: "kick"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := api.do(t, http.MethodPost, base+"/admit", host, AdmitRequest{ParticipantID: "*", Action: "allow"})
	require.Equal(t, http.StatusOK, code, env.Error)
	for _, p := range decode[[]models.Participant](t, env) {
		assert.Equal(t, models.ParticipantJoined, p.Status)
	}
}

func TestJoin_UnknownAndEndedMeeting(t *testing.T) {
	api := newTestAPI(t)
	host := uuid.New()

	code, _ := api.do(t, http.MethodPost, "/api/meetings/NOPE99/join", host, nil)
	assert.Equal(t, http.StatusNotFound, code)

	m := api.create(t, host, standup())
	base := "/api/meetings/" + m.Code
	api.do(t, http.MethodPost, base+"/join", host, nil)

	code, _ = api.do(t, http.MethodPost, base+"/end", uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, env := api.do(t, http.MethodPost, base+"/end", host, nil)
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = api.do(t, http.MethodPost, base+"/join", uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, env.Error, "ended")
}

func TestLeave_HostEndsMeeting(t *testing.T) {
	api := newTestAPI(t)
	host, guest := uuid.New(), uuid.New()
	m := api.create(t, host, standup())
	base := "/api/meetings/" + m.Code

	api.do(t, http.MethodPost, base+"/join", host, nil)
	api.do(t, http.MethodPost, base+"/join", guest, nil)

	code, env := api.do(t, http.MethodPost, base+"/leave", guest, nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.False(t, decode[map[string]bool](t, env)["ended"])

	code, env = api.do(t, http.MethodPost, base+"/leave", host, nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.True(t, decode[map[string]bool](t, env)["ended"])

	stored, err := api.store.GetByCode(context.Background(), m.Code)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingEnded, stored.Status)
}

func TestDelete_HostOnly(t *testing.T) {
	api := newTestAPI(t)
	host := uuid.New()
	m := api.create(t, host, standup())
	base := "/api/meetings/" + m.Code
	api.do(t, http.MethodPost, base+"/join", host, nil)

	code, _ := api.do(t, http.MethodDelete, base, uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = api.do(t, http.MethodDelete, base, host, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = api.do(t, http.MethodGet, base, host, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = api.do(t, http.MethodDelete, base, host, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAttendance_HostOnly(t *testing.T) {
	api := newTestAPI(t)
	host, guest := uuid.New(), uuid.New()
	m := api.create(t, host, standup())
	api.attendance.rows = []models.AttendanceLog{
		{ID: uuid.New(), MeetingID: m.ID, UserID: guest, JoinedAt: time.Now(), DurationSeconds: 42},
		{ID: uuid.New(), MeetingID: uuid.New(), UserID: guest, JoinedAt: time.Now()},
	}
	base := "/api/meetings/" + m.Code + "/attendance"

	code, _ := api.do(t, http.MethodGet, base, guest, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env := api.do(t, http.MethodGet, base, host, nil)
	require.Equal(t, http.StatusOK, code)
	rows := decode[[]models.AttendanceLog](t, env)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(42), rows[0].DurationSeconds)
}

func TestParticipants(t *testing.T) {
	api := newTestAPI(t)
	host, guest := uuid.New(), uuid.New()
	m := api.create(t, host, standup())
	base := "/api/meetings/" + m.Code
	api.do(t, http.MethodPost, base+"/join", host, nil)
	api.do(t, http.MethodPost, base+"/join", guest, nil)

	code, env := api.do(t, http.MethodGet, base+"/participants", guest, nil)
	require.Equal(t, http.StatusOK, code)
	ps := decode[[]models.Participant](t, env)
	require.Len(t, ps, 2)
	assert.Equal(t, host, ps[0].UserID)
	assert.Equal(t, models.ParticipantWaiting, ps[1].Status)
}
