package negotiation

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mediaLines(t *testing.T, desc webrtc.SessionDescription) map[string]int {
	t.Helper()
	parsed, err := desc.Unmarshal()
	require.NoError(t, err)
	out := make(map[string]int)
	for _, md := range parsed.MediaDescriptions {
		out[md.MediaName.Media]++
	}
	return out
}

func exchange(t *testing.T, offerer, answerer Transport) (offer, answer webrtc.SessionDescription) {
	t.Helper()
	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))
	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err = answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(answer))
	require.NoError(t, offerer.SetRemoteDescription(answer))
	return offer, answer
}

func TestPionTransport_ScreenShareAddsVideoLine(t *testing.T) {
	factory, err := NewPionFactory(nil)
	require.NoError(t, err)
	offerer, err := factory()
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := factory()
	require.NoError(t, err)
	defer answerer.Close()

	require.NoError(t, offerer.AddTrack(TrackAudio, sampleTrack(t, TrackAudio, "u1")))
	require.NoError(t, offerer.AddTrack(TrackVideo, sampleTrack(t, TrackVideo, "u1")))

	offer, answer := exchange(t, offerer, answerer)
	assert.Equal(t, map[string]int{"audio": 1, "video": 1}, mediaLines(t, offer))
	assert.Equal(t, map[string]int{"audio": 1, "video": 1}, mediaLines(t, answer))

	screen := sampleTrack(t, TrackScreen, "u1")
	require.NoError(t, offerer.AddTrack(TrackScreen, screen))
	assert.Error(t, offerer.AddTrack(TrackScreen, screen))

	reoffer, reanswer := exchange(t, offerer, answerer)
	assert.Equal(t, map[string]int{"audio": 1, "video": 2}, mediaLines(t, reoffer))
	assert.Equal(t, map[string]int{"audio": 1, "video": 2}, mediaLines(t, reanswer))
}

func TestUncovered_ComparesMediaLines(t *testing.T) {
	factory, err := NewPionFactory(nil)
	require.NoError(t, err)
	tr, err := factory()
	require.NoError(t, err)
	defer tr.Close()

	audio, video := sampleTrack(t, TrackAudio, "u1"), sampleTrack(t, TrackVideo, "u1")
	require.NoError(t, tr.AddTrack(TrackAudio, audio))
	require.NoError(t, tr.AddTrack(TrackVideo, video))
	offer, err := tr.CreateOffer()
	require.NoError(t, err)

	local := map[TrackKind]webrtc.TrackLocal{TrackAudio: audio, TrackVideo: video}
	assert.False(t, uncovered(offer, local))
	local[TrackScreen] = sampleTrack(t, TrackScreen, "u1")
	assert.True(t, uncovered(offer, local))
}
