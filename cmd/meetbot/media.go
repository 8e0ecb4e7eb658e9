package main

import (
	"context"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/aura-meet/backend/internal/negotiation"
)

const frameInterval = 20 * time.Millisecond

var (
	// opusSilence is a single Opus frame of silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// opusTone is a placeholder non-silent Opus frame.
	opusTone = []byte{0xfc, 0xff, 0xfe, 0x01}
)

// sampleFor returns what a track of kind sends this tick. A muted microphone sends silence
// and a muted camera sends nothing.
func sampleFor(m *negotiation.LocalMedia, kind negotiation.TrackKind, frame []byte) ([]byte, bool) {
	if m.Enabled(kind) {
		return frame, true
	}
	if kind == negotiation.TrackAudio {
		return opusSilence, true
	}
	return nil, false
}

// syntheticTrack returns a sample track for kind that writes placeholder frames until stopped.
// Frames follow the mute state of kind in m.
func syntheticTrack(ctx context.Context, m *negotiation.LocalMedia, kind negotiation.TrackKind, streamID string) (webrtc.TrackLocal, func(), error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	frame := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
	if kind == negotiation.TrackAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
		frame = opusTone
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if data, ok := sampleFor(m, kind, frame); ok {
					_ = track.WriteSample(media.Sample{Data: data, Duration: frameInterval})
				}
			}
		}
	}()
	return track, cancel, nil
}
