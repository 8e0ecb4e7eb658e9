package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultMaxReconnects  = 1
	defaultOfferTimeout   = 15 * time.Second
	eventBuffer           = 64
)

// PeerConfig configures one negotiation pair.
type PeerConfig struct {
	Local    string
	Remote   string
	Signaler Signaler
	Factory  TransportFactory
	Media    *LocalMedia

	ReconnectDelay time.Duration
	// MaxReconnects defaults to one attempt; a negative value disables reconnects.
	MaxReconnects int
	// OfferTimeout bounds how long an offer may wait for its answer before the pair fails.
	OfferTimeout time.Duration

	// StillJoined gates reconnect attempts; nil means always.
	StillJoined func() bool
	// OnFailed runs on its own goroutine once reconnects are exhausted.
	OnFailed      func(remote string, err error)
	OnStateChange func(remote string, state State)
	Logger        *zap.Logger
}

// Peer is the negotiation state machine for one remote participant. All steps run on one
// goroutine; the exported methods only enqueue work.
type Peer struct {
	cfg    PeerConfig
	logger *zap.Logger

	events   chan func()
	stop     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	state State

	transport    Transport
	gen          int
	remoteSet    bool
	candidates   []webrtc.ICECandidateInit
	advertised   map[TrackKind]webrtc.TrackLocal
	pendingOffer bool
	offerSeq     int
	attempts     int
}

// NewPeer starts the state machine for cfg.Remote in idle.
func NewPeer(cfg PeerConfig) *Peer {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = defaultOfferTimeout
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.Media == nil {
		cfg.Media = NewLocalMedia()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Peer{
		cfg:    cfg,
		logger: logger.With(zap.String("remote", cfg.Remote)),
		events: make(chan func(), eventBuffer),
		stop:   make(chan struct{}),
		state:  StateIdle,
	}
	go p.run()
	return p
}

func (p *Peer) run() {
	for {
		select {
		case fn := <-p.events:
			fn()
		case <-p.stop:
			return
		}
	}
}

func (p *Peer) do(fn func()) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.events <- fn:
		return true
	case <-p.stop:
		return false
	}
}

// call runs fn on the peer goroutine and waits for it.
func (p *Peer) call(fn func()) {
	done := make(chan struct{})
	if !p.do(func() { fn(); close(done) }) {
		return
	}
	select {
	case <-done:
	case <-p.stop:
	}
}

// Remote returns the remote participant identity.
func (p *Peer) Remote() string { return p.cfg.Remote }

// State returns the current negotiation state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start offers if the local side wins the tie-break; otherwise the peer waits for an offer.
func (p *Peer) Start() {
	p.do(func() {
		if p.state == StateIdle && ShouldOffer(p.cfg.Local, p.cfg.Remote) {
			p.offer()
		}
	})
}

// HandleOffer applies a remote offer.
func (p *Peer) HandleOffer(desc webrtc.SessionDescription) {
	p.do(func() { p.onOffer(desc) })
}

// HandleAnswer applies the remote answer to a pending offer.
func (p *Peer) HandleAnswer(desc webrtc.SessionDescription) {
	p.do(func() { p.onAnswer(desc) })
}

// HandleCandidate applies a remote ICE candidate, buffering it until a remote description exists.
func (p *Peer) HandleCandidate(c webrtc.ICECandidateInit) {
	p.do(func() { p.onCandidate(c) })
}

// Renegotiate re-offers the current local track set over the existing transport.
func (p *Peer) Renegotiate() {
	p.do(p.renegotiate)
}

// Close releases the transport and stops the state machine. Pending reconnects are cancelled.
func (p *Peer) Close() {
	p.stopOnce.Do(func() {
		p.call(func() {
			p.discard()
			p.setState(StateClosed)
		})
		close(p.stop)
	})
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev == s {
		return
	}
	p.logger.Debug("negotiation state", zap.Stringer("from", prev), zap.Stringer("to", s))
	if p.cfg.OnStateChange != nil {
		p.cfg.OnStateChange(p.cfg.Remote, s)
	}
}

func (p *Peer) ensureTransport() error {
	if p.transport != nil {
		return nil
	}
	t, err := p.cfg.Factory()
	if err != nil {
		return transportErr("open", err)
	}
	p.gen++
	gen := p.gen
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		p.do(func() {
			if gen != p.gen {
				return
			}
			if err := p.cfg.Signaler.SendCandidate(p.cfg.Remote, c); err != nil {
				p.logger.Warn("send candidate", zap.Error(err))
			}
		})
	})
	t.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.do(func() {
			if gen == p.gen {
				p.onConnectionState(s)
			}
		})
	})
	p.transport = t
	p.remoteSet = false
	p.advertised = make(map[TrackKind]webrtc.TrackLocal)
	return p.syncTracks()
}

// syncTracks makes the transport carry exactly the current local tracks.
func (p *Peer) syncTracks() error {
	want := p.cfg.Media.Tracks()
	for kind, track := range p.advertised {
		if want[kind] == track {
			continue
		}
		if err := p.transport.RemoveTrack(kind); err != nil {
			return transportErr("remove track", err)
		}
		delete(p.advertised, kind)
	}
	for kind, track := range want {
		if _, ok := p.advertised[kind]; ok {
			continue
		}
		if err := p.transport.AddTrack(kind, track); err != nil {
			return transportErr("add track", err)
		}
		p.advertised[kind] = track
	}
	return nil
}

// discard drops the transport and everything tied to it.
func (p *Peer) discard() {
	if p.transport != nil {
		if err := p.transport.Close(); err != nil {
			p.logger.Debug("close transport", zap.Error(err))
		}
		p.transport = nil
	}
	p.gen++
	p.remoteSet = false
	p.candidates = nil
	p.advertised = nil
	p.pendingOffer = false
}

func (p *Peer) offer() {
	if err := p.ensureTransport(); err != nil {
		p.fail(err)
		return
	}
	if err := p.syncTracks(); err != nil {
		p.fail(err)
		return
	}
	desc, err := p.transport.CreateOffer()
	if err != nil {
		p.fail(transportErr("create offer", err))
		return
	}
	if err := p.transport.SetLocalDescription(desc); err != nil {
		p.fail(transportErr("set local offer", err))
		return
	}
	p.pendingOffer = false
	p.setState(StateOffering)
	p.offerSeq++
	seq := p.offerSeq
	time.AfterFunc(p.cfg.OfferTimeout, func() {
		p.do(func() {
			if p.offerSeq == seq && p.state == StateOffering {
				p.fail(transportErr("offer", errors.New("no answer")))
			}
		})
	})
	if err := p.cfg.Signaler.SendOffer(p.cfg.Remote, desc); err != nil {
		p.logger.Warn("send offer", zap.Error(err))
	}
}

func (p *Peer) onOffer(desc webrtc.SessionDescription) {
	if p.state == StateClosed {
		return
	}
	reoffer := false
	if p.state == StateOffering {
		if ShouldOffer(p.cfg.Local, p.cfg.Remote) {
			p.logger.Debug("ignoring colliding offer")
			return
		}
		if err := p.transport.Rollback(); err != nil {
			p.fail(transportErr("rollback", err))
			return
		}
		reoffer = true
	}

	fresh := p.transport == nil
	if err := p.ensureTransport(); err != nil {
		p.fail(err)
		return
	}
	p.setState(StateAnswering)
	err := p.transport.SetRemoteDescription(desc)
	if err != nil && !fresh {
		// The remote restarted its side; start over on a new transport.
		p.logger.Debug("remote offer rejected by existing transport, reopening", zap.Error(err))
		p.discard()
		fresh = true
		if err = p.ensureTransport(); err == nil {
			err = p.transport.SetRemoteDescription(desc)
		}
	}
	if err != nil {
		p.fail(transportErr("set remote offer", err))
		return
	}
	p.remoteSet = true
	p.flushCandidates()

	answer, err := p.transport.CreateAnswer()
	if err != nil {
		p.fail(transportErr("create answer", err))
		return
	}
	if err := p.transport.SetLocalDescription(answer); err != nil {
		p.fail(transportErr("set local answer", err))
		return
	}
	p.setState(StateConnected)
	if err := p.cfg.Signaler.SendAnswer(p.cfg.Remote, answer); err != nil {
		p.logger.Warn("send answer", zap.Error(err))
	}
	if fresh && uncovered(desc, p.advertised) {
		reoffer = true
	}
	if reoffer || p.pendingOffer {
		p.offer()
	}
}

func (p *Peer) onAnswer(desc webrtc.SessionDescription) {
	if p.state != StateOffering || p.transport == nil {
		p.logger.Debug("stale answer dropped", zap.Stringer("state", p.state))
		return
	}
	if err := p.transport.SetRemoteDescription(desc); err != nil {
		p.fail(transportErr("set remote answer", err))
		return
	}
	p.remoteSet = true
	p.flushCandidates()
	p.setState(StateConnected)
	if p.pendingOffer {
		p.offer()
	}
}

func (p *Peer) onCandidate(c webrtc.ICECandidateInit) {
	if p.state == StateClosed {
		return
	}
	if p.transport == nil || !p.remoteSet {
		p.candidates = append(p.candidates, c)
		return
	}
	if err := p.transport.AddICECandidate(c); err != nil {
		p.logger.Warn("add candidate", zap.Error(err))
	}
}

func (p *Peer) flushCandidates() {
	pending := p.candidates
	p.candidates = nil
	for _, c := range pending {
		if err := p.transport.AddICECandidate(c); err != nil {
			p.logger.Warn("add buffered candidate", zap.Error(err))
		}
	}
}

func (p *Peer) renegotiate() {
	switch p.state {
	case StateConnected:
		p.offer()
	case StateOffering, StateAnswering:
		p.pendingOffer = true
	}
}

func (p *Peer) onConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		p.attempts = 0
		p.logger.Debug("transport connected")
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		p.fail(transportErr("connection", fmt.Errorf("state %s", s)))
	}
}

// fail discards the transport and schedules one reconnect attempt.
func (p *Peer) fail(err error) {
	if p.state == StateClosed || p.state == StateFailed {
		return
	}
	p.logger.Warn("peer negotiation failed", zap.Error(err), zap.Int("attempt", p.attempts))
	p.discard()
	p.setState(StateFailed)

	if p.cfg.StillJoined != nil && !p.cfg.StillJoined() {
		return
	}
	if p.attempts >= p.cfg.MaxReconnects {
		if p.cfg.OnFailed != nil {
			go p.cfg.OnFailed(p.cfg.Remote, err)
		}
		return
	}
	p.attempts++
	gen := p.gen
	time.AfterFunc(p.cfg.ReconnectDelay, func() {
		p.do(func() {
			if gen == p.gen && p.state == StateFailed {
				p.reconnect()
			}
		})
	})
}

func (p *Peer) reconnect() {
	p.logger.Info("reconnecting peer", zap.Int("attempt", p.attempts))
	p.setState(StateIdle)
	if ShouldOffer(p.cfg.Local, p.cfg.Remote) {
		p.offer()
	}
}

// uncovered reports whether tracks needs more m-lines of some media type than offer carries.
func uncovered(offer webrtc.SessionDescription, tracks map[TrackKind]webrtc.TrackLocal) bool {
	parsed, err := offer.Unmarshal()
	if err != nil {
		return false
	}
	remote := make(map[string]int)
	for _, md := range parsed.MediaDescriptions {
		remote[md.MediaName.Media]++
	}
	local := make(map[string]int)
	for kind := range tracks {
		local[kind.codecType().String()]++
	}
	for media, n := range local {
		if n > remote[media] {
			return true
		}
	}
	return false
}
