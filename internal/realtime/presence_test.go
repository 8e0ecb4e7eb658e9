package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/internal/presence"
	"github.com/aura-meet/backend/pkg/apperr"
)

type memRegistry struct {
	mu       sync.Mutex
	meetings map[string]*models.Meeting
}

func (r *memRegistry) GetByCode(_ context.Context, code string) (*models.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meetings[code]
	if !ok {
		return nil, fmt.Errorf("%w: meeting", apperr.ErrNotFound)
	}
	return m.Clone(), nil
}

func (r *memRegistry) SaveSnapshot(_ context.Context, m *models.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meetings[m.Code] = m.Clone()
	return nil
}

// hookedPresence runs beforeAnnounce ahead of each announce, letting a test land a host
// decision right where a join publishes its participant list.
type hookedPresence struct {
	*presence.Service
	mu             sync.Mutex
	beforeAnnounce func()
}

func (p *hookedPresence) Announce(ctx context.Context, code string) error {
	p.mu.Lock()
	hook := p.beforeAnnounce
	p.beforeAnnounce = nil
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return p.Service.Announce(ctx, code)
}

type liveFixture struct {
	svc  *presence.Service
	pres *hookedPresence
	hub  *Hub
	host uuid.UUID
}

func setupLive(t *testing.T) liveFixture {
	t.Helper()
	host := uuid.New()
	reg := &memRegistry{meetings: map[string]*models.Meeting{
		testCode: {
			ID:       uuid.New(),
			HostID:   host,
			Title:    "Standup",
			Code:     testCode,
			Status:   models.MeetingScheduled,
			Settings: models.DefaultMeetingSettings(),
		},
	}}
	svc := presence.NewService(reg, nil, nil, nil)
	pres := &hookedPresence{Service: svc}
	h := NewHub(pres, nil, 0, nil)
	svc.SetNotifier(h)
	return liveFixture{svc: svc, pres: pres, hub: h, host: host}
}

// lastParticipants drains c and returns the participant list of its final participantUpdate.
func lastParticipants(t *testing.T, c *Client) []models.Participant {
	t.Helper()
	var last []models.Participant
	for {
		select {
		case msg, ok := <-c.Outbound():
			require.True(t, ok, "outbound closed")
			if msg.Event == EventParticipantUpdate {
				last = nil
				require.NoError(t, json.Unmarshal(msg.Data, &last))
			}
		case <-time.After(30 * time.Millisecond):
			return last
		}
	}
}

func statusOf(ps []models.Participant, userID uuid.UUID) models.ParticipantStatus {
	for _, p := range ps {
		if p.UserID == userID {
			return p.Status
		}
	}
	return ""
}

func TestJoin_ParticipantListNeverStale(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := setupLive(t)
		ctx := context.Background()
		guest, late := uuid.New(), uuid.New()

		_, err := f.svc.RequestAdmission(ctx, testCode, f.host, "Host")
		require.NoError(t, err)
		hostConn := NewClient(f.hub, nil, f.host, "Host", 64)
		require.NoError(t, f.hub.Join(ctx, hostConn, testCode))

		_, err = f.svc.RequestAdmission(ctx, testCode, guest, "Guest")
		require.NoError(t, err)
		_, err = f.svc.Decide(ctx, testCode, f.host, guest, presence.ActionAllow)
		require.NoError(t, err)
		_, err = f.svc.RequestAdmission(ctx, testCode, late, "Late")
		require.NoError(t, err)

		decided := make(chan error, 1)
		f.pres.mu.Lock()
		f.pres.beforeAnnounce = func() {
			go func() {
				_, err := f.svc.Decide(ctx, testCode, f.host, late, presence.ActionAllow)
				decided <- err
			}()
		}
		f.pres.mu.Unlock()

		guestConn := NewClient(f.hub, nil, guest, "Guest", 64)
		require.NoError(t, f.hub.Join(ctx, guestConn, testCode))
		require.NoError(t, <-decided)

		want, err := f.svc.Participants(ctx, testCode)
		require.NoError(t, err)
		require.Equal(t, models.ParticipantJoined, statusOf(want, late))
		for _, c := range []*Client{hostConn, guestConn} {
			got := lastParticipants(t, c)
			assert.Equal(t, models.ParticipantJoined, statusOf(got, late), "iteration %d", i)
			assert.Len(t, got, len(want))
		}
	}
}

func TestMeetingEnd_ReleasesPresenceState(t *testing.T) {
	f := setupLive(t)
	ctx := context.Background()
	_, err := f.svc.RequestAdmission(ctx, testCode, f.host, "Host")
	require.NoError(t, err)
	c := NewClient(f.hub, nil, f.host, "Host", 16)
	require.NoError(t, f.hub.Join(ctx, c, testCode))
	require.Equal(t, 1, f.svc.Live())

	require.NoError(t, f.hub.EndMeeting(ctx, c, testCode))
	f.hub.Leave(c)

	assert.Equal(t, 0, f.hub.Rooms())
	assert.Equal(t, 0, f.svc.Live())

	late := NewClient(f.hub, nil, f.host, "Host", 16)
	assert.ErrorIs(t, f.hub.Join(ctx, late, testCode), ErrNotAdmitted)
	assert.Equal(t, 0, f.hub.Rooms())
	assert.Equal(t, 0, f.svc.Live())
}
