package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-meet/backend/internal/negotiation"
)

func TestSampleFor_FollowsMuteState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := negotiation.NewLocalMedia()
	video := []byte{0x10, 0x02}

	_, ok := sampleFor(m, negotiation.TrackVideo, video)
	assert.False(t, ok, "nothing is sent before the track is advertised")

	for _, kind := range []negotiation.TrackKind{negotiation.TrackAudio, negotiation.TrackVideo} {
		track, stop, err := syntheticTrack(ctx, m, kind, "bot")
		require.NoError(t, err)
		m.Add(kind, track, stop)
	}

	data, ok := sampleFor(m, negotiation.TrackVideo, video)
	require.True(t, ok)
	assert.Equal(t, video, data)
	data, ok = sampleFor(m, negotiation.TrackAudio, opusTone)
	require.True(t, ok)
	assert.Equal(t, opusTone, data)

	m.SetEnabled(negotiation.TrackVideo, false)
	m.SetEnabled(negotiation.TrackAudio, false)
	_, ok = sampleFor(m, negotiation.TrackVideo, video)
	assert.False(t, ok, "a muted camera sends no frames")
	data, ok = sampleFor(m, negotiation.TrackAudio, opusTone)
	require.True(t, ok)
	assert.Equal(t, opusSilence, data, "a muted microphone sends silence")

	m.SetEnabled(negotiation.TrackAudio, true)
	data, _ = sampleFor(m, negotiation.TrackAudio, opusTone)
	assert.Equal(t, opusTone, data)
	m.Stop()
}
