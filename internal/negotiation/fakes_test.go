package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu          sync.Mutex
	tracks      map[TrackKind]webrtc.TrackLocal
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	offers      int
	rollbacks   int
	closed      bool
	onState     func(webrtc.PeerConnectionState)
	onCandidate func(webrtc.ICECandidateInit)
}

func (t *fakeTransport) AddTrack(kind TrackKind, track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks[kind] = track
	return nil
}

func (t *fakeTransport) RemoveTrack(kind TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracks, kind)
	return nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d-%d", t.offers, len(t.tracks))}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = &desc
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = &desc
	return nil
}

func (t *fakeTransport) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil || t.local.Type != webrtc.SDPTypeOffer {
		return errors.New("nothing to roll back")
	}
	t.rollbacks++
	t.local = nil
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errors.New("candidate before remote description")
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) fire(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	fn(s)
}

func (t *fakeTransport) trackCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) open() (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{tracks: make(map[TrackKind]webrtc.TrackLocal)}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

type recordingSignaler struct {
	mu         sync.Mutex
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
}

func (s *recordingSignaler) SendOffer(_ string, d webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, d)
	return nil
}

func (s *recordingSignaler) SendAnswer(_ string, d webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, d)
	return nil
}

func (s *recordingSignaler) SendCandidate(_ string, c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *recordingSignaler) counts() (offers, answers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers), len(s.answers)
}

// wire connects coordinators in memory, delivering in send order.
type wire struct {
	mu     sync.Mutex
	coords map[string]*Coordinator
	offers map[string]int
}

func newWire() *wire {
	return &wire{coords: make(map[string]*Coordinator), offers: make(map[string]int)}
}

func (w *wire) target(to string) *Coordinator {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.coords[to]
}

func (w *wire) offersFrom(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offers[id]
}

type wireEnd struct {
	w    *wire
	from string
}

func (e wireEnd) SendOffer(to string, d webrtc.SessionDescription) error {
	e.w.mu.Lock()
	e.w.offers[e.from]++
	e.w.mu.Unlock()
	e.w.target(to).HandleOffer(e.from, d)
	return nil
}

func (e wireEnd) SendAnswer(to string, d webrtc.SessionDescription) error {
	e.w.target(to).HandleAnswer(e.from, d)
	return nil
}

func (e wireEnd) SendCandidate(to string, c webrtc.ICECandidateInit) error {
	e.w.target(to).HandleCandidate(e.from, c)
	return nil
}

func sampleTrack(t *testing.T, kind TrackKind, stream string) webrtc.TrackLocal {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == TrackAudio {
		mime = webrtc.MimeTypeOpus
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), stream)
	require.NoError(t, err)
	return track
}

// settle waits until every event queued on p so far has run.
func settle(p *Peer) {
	p.call(func() {})
}
