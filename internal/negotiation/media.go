package negotiation

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

type localTrack struct {
	track   webrtc.TrackLocal
	stop    func()
	enabled bool
}

// LocalMedia is the set of tracks the local participant advertises to every peer. Adding or
// removing a track triggers renegotiation; enabling or disabling one does not.
type LocalMedia struct {
	mu        sync.Mutex
	tracks    map[TrackKind]*localTrack
	listeners []func()
}

// NewLocalMedia returns an empty track set.
func NewLocalMedia() *LocalMedia {
	return &LocalMedia{tracks: make(map[TrackKind]*localTrack)}
}

// Add advertises track under kind, replacing any previous one. stop is called when the
// track is removed or the media is stopped; it may be nil.
func (m *LocalMedia) Add(kind TrackKind, track webrtc.TrackLocal, stop func()) {
	m.mu.Lock()
	prev := m.tracks[kind]
	m.tracks[kind] = &localTrack{track: track, stop: stop, enabled: true}
	listeners := append([]func(){}, m.listeners...)
	m.mu.Unlock()
	if prev != nil && prev.stop != nil {
		prev.stop()
	}
	for _, fn := range listeners {
		fn()
	}
}

// Remove stops and withdraws the track of kind.
func (m *LocalMedia) Remove(kind TrackKind) {
	m.mu.Lock()
	prev, ok := m.tracks[kind]
	delete(m.tracks, kind)
	listeners := append([]func(){}, m.listeners...)
	m.mu.Unlock()
	if !ok {
		return
	}
	if prev.stop != nil {
		prev.stop()
	}
	for _, fn := range listeners {
		fn()
	}
}

// SetEnabled mutes or unmutes a track in place.
func (m *LocalMedia) SetEnabled(kind TrackKind, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracks[kind]; ok {
		t.enabled = enabled
	}
}

// Enabled reports whether kind is advertised and unmuted.
func (m *LocalMedia) Enabled(kind TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[kind]
	return ok && t.enabled
}

// Tracks returns a copy of the advertised tracks.
func (m *LocalMedia) Tracks() map[TrackKind]webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[TrackKind]webrtc.TrackLocal, len(m.tracks))
	for k, t := range m.tracks {
		out[k] = t.track
	}
	return out
}

// OnChange registers fn to run after every Add and Remove.
func (m *LocalMedia) OnChange(fn func()) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Stop withdraws every track and stops its capture without notifying listeners.
func (m *LocalMedia) Stop() {
	m.mu.Lock()
	tracks := m.tracks
	m.tracks = make(map[TrackKind]*localTrack)
	m.mu.Unlock()
	for _, t := range tracks {
		if t.stop != nil {
			t.stop()
		}
	}
}
