// Package negotiation drives the offer/answer/ICE exchange between the local participant and
// each remote participant of a meeting. One Peer per remote runs as its own goroutine, so a
// stalled or failing pair never blocks another.
package negotiation

import (
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/aura-meet/backend/pkg/apperr"
)

// State is the negotiation state of one (local, remote) pair.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TrackKind names one advertised local track.
type TrackKind string

const (
	TrackVideo  TrackKind = "video"
	TrackAudio  TrackKind = "audio"
	TrackScreen TrackKind = "screen"
)

// codecType is the m-line media type a track kind occupies.
func (k TrackKind) codecType() webrtc.RTPCodecType {
	if k == TrackAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// ShouldOffer reports whether local originates the offer towards remote. Both sides compute
// the same answer independently: the lexicographically smaller identity offers.
func ShouldOffer(local, remote string) bool {
	return local < remote
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperr.ErrTransport, op, err)
}
