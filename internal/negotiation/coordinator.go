package negotiation

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/models"
)

// Config configures a Coordinator.
type Config struct {
	LocalID        string
	Signaler       Signaler
	Factory        TransportFactory
	Media          *LocalMedia
	ReconnectDelay time.Duration
	MaxReconnects  int
	OfferTimeout   time.Duration
	// OnPeerFailed is called once a pair exhausts its reconnects.
	OnPeerFailed  func(remote string, err error)
	OnStateChange func(remote string, state State)
	Logger        *zap.Logger
}

// Coordinator owns one Peer per remote joined participant of the local participant's meeting.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	peers  map[string]*Peer
	joined bool
}

// New creates a Coordinator for cfg.LocalID. It renegotiates every pair whenever a local track
// is added or removed.
func New(cfg Config) *Coordinator {
	if cfg.Media == nil {
		cfg.Media = NewLocalMedia()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("local", cfg.LocalID)),
		peers:  make(map[string]*Peer),
		joined: true,
	}
	cfg.Media.OnChange(c.renegotiateAll)
	return c
}

// Media returns the local track set shared by every pair.
func (c *Coordinator) Media() *LocalMedia {
	return c.cfg.Media
}

func (c *Coordinator) stillJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Coordinator) newPeer(remote string) *Peer {
	return NewPeer(PeerConfig{
		Local:          c.cfg.LocalID,
		Remote:         remote,
		Signaler:       c.cfg.Signaler,
		Factory:        c.cfg.Factory,
		Media:          c.cfg.Media,
		ReconnectDelay: c.cfg.ReconnectDelay,
		MaxReconnects:  c.cfg.MaxReconnects,
		OfferTimeout:   c.cfg.OfferTimeout,
		StillJoined:    c.stillJoined,
		OnFailed:       c.cfg.OnPeerFailed,
		OnStateChange:  c.cfg.OnStateChange,
		Logger:         c.logger,
	})
}

// peer returns the pair for remote, creating it when create is set.
func (c *Coordinator) peer(remote string, create bool) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined || remote == c.cfg.LocalID {
		return nil, false
	}
	if p, ok := c.peers[remote]; ok {
		return p, false
	}
	if !create {
		return nil, false
	}
	p := c.newPeer(remote)
	c.peers[remote] = p
	return p, true
}

// SyncParticipants reconciles pairs with a participantUpdate: every other joined participant
// gets a started Peer, pairs for participants no longer joined are closed.
func (c *Coordinator) SyncParticipants(participants []models.Participant) {
	want := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p.Status == models.ParticipantJoined {
			want[p.UserID.String()] = true
		}
	}

	var started, removed []*Peer
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	for remote := range want {
		if remote == c.cfg.LocalID {
			continue
		}
		if _, ok := c.peers[remote]; !ok {
			p := c.newPeer(remote)
			c.peers[remote] = p
			started = append(started, p)
		}
	}
	for remote, p := range c.peers {
		if !want[remote] {
			delete(c.peers, remote)
			removed = append(removed, p)
		}
	}
	c.mu.Unlock()

	for _, p := range removed {
		c.logger.Debug("closing peer for departed participant", zap.String("remote", p.Remote()))
		p.Close()
	}
	for _, p := range started {
		p.Start()
	}
}

// HandleOffer routes a remote offer, creating the pair if the offer beat the participant list.
func (c *Coordinator) HandleOffer(from string, desc webrtc.SessionDescription) {
	if p, _ := c.peer(from, true); p != nil {
		p.HandleOffer(desc)
	}
}

// HandleAnswer routes a remote answer.
func (c *Coordinator) HandleAnswer(from string, desc webrtc.SessionDescription) {
	if p, _ := c.peer(from, false); p != nil {
		p.HandleAnswer(desc)
	}
}

// HandleCandidate routes a remote ICE candidate, creating the pair so early candidates buffer.
func (c *Coordinator) HandleCandidate(from string, candidate webrtc.ICECandidateInit) {
	if p, _ := c.peer(from, true); p != nil {
		p.HandleCandidate(candidate)
	}
}

func (c *Coordinator) renegotiateAll() {
	c.mu.Lock()
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		p.Renegotiate()
	}
}

// States returns the negotiation state of every live pair.
func (c *Coordinator) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.peers))
	for remote, p := range c.peers {
		out[remote] = p.State()
	}
	return out
}

// Close tears down every pair and stops local capture. It is used on leave and on meeting end;
// pending offers and reconnect timers die with their pairs.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	peers := c.peers
	c.peers = make(map[string]*Peer)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			p.Close()
		}(p)
	}
	wg.Wait()
	c.cfg.Media.Stop()
	c.logger.Info("negotiation closed", zap.Int("peers", len(peers)))
}
