package negotiation

import (
	"github.com/pion/webrtc/v3"
)

// Signaler carries negotiation messages to a remote participant through the relay.
type Signaler interface {
	SendOffer(to string, offer webrtc.SessionDescription) error
	SendAnswer(to string, answer webrtc.SessionDescription) error
	SendCandidate(to string, candidate webrtc.ICECandidateInit) error
}

// Transport is the connection object a Peer negotiates over. It is owned by exactly one Peer.
type Transport interface {
	AddTrack(kind TrackKind, track webrtc.TrackLocal) error
	RemoveTrack(kind TrackKind) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// TransportFactory opens a fresh Transport.
type TransportFactory func() (Transport, error)
