// Package transport wraps the WebRTC peer connection behind the small
// contract the signaling core consumes, so the call window can be tested
// against a fake while production runs on Pion.
package transport

import (
	"github.com/pion/webrtc/v4"
)

// Session is one peer-to-peer transport endpoint. Callbacks must be
// registered before signaling starts; they fire on transport goroutines
// and are expected to hand off into the call window's event loop.
type Session interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)

	// SignalingState exposes the local negotiation phase; the signal
	// channel gates description application on it.
	SignalingState() webrtc.SignalingState
	CurrentRemoteDescription() *webrtc.SessionDescription

	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// Factory builds transport sessions. Implemented by the Pion factory;
// tests substitute their own.
type Factory interface {
	NewSession() (Session, error)
}
