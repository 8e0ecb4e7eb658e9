package negotiation

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

const rtcpBufferSize = 1500

// pionTransport is a Transport backed by a pion PeerConnection.
type pionTransport struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[TrackKind]*webrtc.RTPSender
}

// NewPionFactory returns a TransportFactory opening pion peer connections with the given
// ICE servers and the default codec set.
func NewPionFactory(iceServers []webrtc.ICEServer) (TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	cfg := webrtc.Configuration{ICEServers: iceServers}
	return func() (Transport, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionTransport{pc: pc, senders: make(map[TrackKind]*webrtc.RTPSender)}, nil
	}, nil
}

func (t *pionTransport) AddTrack(kind TrackKind, track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.senders[kind]; ok {
		return fmt.Errorf("%s track already attached", kind)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	t.senders[kind] = sender
	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, rtcpBufferSize)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) RemoveTrack(kind TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sender, ok := t.senders[kind]
	if !ok {
		return nil
	}
	delete(t.senders, kind)
	return t.pc.RemoveTrack(sender)
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) Rollback() error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *pionTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
