package config

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MEETING_DISCONNECT_GRACE", "")
	t.Setenv("PUBLIC_BASE_URL", "https://meet.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://meet.example.com", cfg.Meeting.PublicBaseURL)
	assert.Equal(t, 10*time.Second, cfg.Meeting.DisconnectGrace)
	assert.Equal(t, 256, cfg.Meeting.SendBuffer)
	assert.Equal(t, 10*time.Minute, cfg.Meeting.IdleEvict)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("MEETING_DISCONNECT_GRACE", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEETING_DISCONNECT_GRACE")
}

func TestICEServers_TURNCarriesCredentials(t *testing.T) {
	c := WebRTCConfig{
		ICEUrls:        []string{"stun:stun.example.com:3478", "turn:turn.example.com:3478"},
		TURNUsername:   "alice",
		TURNCredential: "secret",
	}

	servers := c.ICEServers()
	require.Len(t, servers, 2)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, "alice", servers[1].Username)
	assert.Equal(t, "secret", servers[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, servers[1].CredentialType)
}

func TestDSN_PrefersURL(t *testing.T) {
	d := DatabaseConfig{URL: "postgres://x/y", Host: "ignored"}
	assert.Equal(t, "postgres://x/y", d.DSN())

	d = DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "5432", DBName: "meet", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/meet?sslmode=disable", d.DSN())
}
