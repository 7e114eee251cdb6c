package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sparebook/callkit/internal/config"
	"github.com/sparebook/callkit/internal/metrics"
)

const rtcpBufferSize = 1500

// PionFactory builds Pion peer connections sharing one configured
// webrtc.API: media engine, default interceptors plus interval PLI, and
// the ephemeral UDP port range from configuration.
type PionFactory struct {
	api *webrtc.API
	cfg config.WebRTCConfig
}

// NewPionFactory configures the shared WebRTC API. populateEngine, when
// non-nil, registers the codecs of the local capture pipeline; otherwise
// the default codec set is used.
func NewPionFactory(cfg config.WebRTCConfig, populateEngine func(*webrtc.MediaEngine) error) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if populateEngine != nil {
		if err := populateEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("failed to populate media engine: %w", err)
		}
	} else {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("failed to register default codecs: %w", err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI factory: %w", err)
	}
	interceptorRegistry.Add(pliFactory)

	se := webrtc.SettingEngine{}
	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call; the default disconnected timeout is too short
	// for paths that see short outages during re-keying.
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("failed to set WebRTC port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &PionFactory{api: api, cfg: cfg}, nil
}

func (f *PionFactory) NewSession() (Session, error) {
	pc, err := f.api.NewPeerConnection(f.cfg.PeerConfiguration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionSession{pc: pc}, nil
}

type pionSession struct {
	pc *webrtc.PeerConnection
}

func (s *pionSession) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

func (s *pionSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

func (s *pionSession) SetLocalDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(desc)
}

func (s *pionSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *pionSession) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(cand)
}

// AddTrack attaches a local track and starts the RTCP feedback drain for
// its sender. The drain keeps the interceptor chain fed and surfaces
// PLI/NACK pressure as metrics.
func (s *pionSession) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return sender, nil
}

func (s *pionSession) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

func (s *pionSession) CurrentRemoteDescription() *webrtc.SessionDescription {
	return s.pc.CurrentRemoteDescription()
}

func (s *pionSession) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	s.pc.OnICECandidate(fn)
}

func (s *pionSession) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.pc.OnTrack(fn)
}

func (s *pionSession) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.pc.OnConnectionStateChange(fn)
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, rtcpBufferSize)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			slog.Debug("failed to unmarshal RTCP packet", "error", err)
			continue
		}

		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				metrics.PLIRequestsTotal.Inc()
			case *rtcp.TransportLayerNack:
				metrics.NACKRequestsTotal.Inc()
			}
		}
	}
}
