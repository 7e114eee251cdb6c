// Package media acquires local capture tracks and manages their
// lifecycle for the duration of one call: attach to the transport,
// mute/camera toggles without renegotiation, and idempotent release on
// every exit path.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sparebook/callkit/internal/transport"
)

var (
	// ErrAccessDenied: capture permission refused. Fatal to the call
	// attempt, no retry.
	ErrAccessDenied = errors.New("media: access denied")

	// ErrDeviceAbsent: no usable capture device present.
	ErrDeviceAbsent = errors.New("media: no capture device")

	// ErrDeviceBusy: device held by another consumer.
	ErrDeviceBusy = errors.New("media: device busy")
)

// Track is one local capture track.
type Track interface {
	Local() webrtc.TrackLocal
	Kind() webrtc.RTPCodecType
	Stop() error
}

// Capturer opens local capture devices. The production implementation
// is platform-specific (see capture_linux.go); tests supply fakes.
type Capturer interface {
	// Acquire opens audio capture, plus video when withVideo is set.
	// An empty track list with nil error means receive-only operation.
	Acquire(withVideo bool) ([]Track, error)

	// PopulateEngine registers the capture pipeline's codecs on the
	// transport media engine. May be nil-equivalent (return nil and
	// leave the engine to its defaults).
	PopulateEngine(engine *webrtc.MediaEngine) error
}

// Manager owns the local tracks of one call window.
type Manager struct {
	capturer Capturer

	mu        sync.Mutex
	tracks    []Track
	senders   map[Track]*webrtc.RTPSender
	muted     bool
	cameraOff bool
	released  bool
}

func NewManager(capturer Capturer) *Manager {
	return &Manager{
		capturer: capturer,
		senders:  make(map[Track]*webrtc.RTPSender),
	}
}

// Acquire opens local capture. After Release has run it refuses to
// acquire again; the caller checks this when resuming from the
// acquisition suspension point.
func (m *Manager) Acquire(withVideo bool) error {
	tracks, err := m.capturer.Acquire(withVideo)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		for _, t := range tracks {
			_ = t.Stop()
		}
		return errors.New("media: manager already released")
	}
	m.tracks = append(m.tracks, tracks...)
	m.mu.Unlock()
	return nil
}

// AttachTo adds every local track to the transport session, remembering
// the senders so toggles can swap tracks in and out without
// renegotiation.
func (m *Manager) AttachTo(ts transport.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, track := range m.tracks {
		sender, err := ts.AddTrack(track.Local())
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		m.senders[track] = sender
	}
	return nil
}

// HasTracks reports whether any local track was acquired (false means
// receive-only operation).
func (m *Manager) HasTracks() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks) > 0
}

// ToggleMute flips the audio tracks between sending and silent by
// swapping the sender's track, keeping the negotiated transport intact.
// Returns the new muted state.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.muted = !m.muted
	m.setEnabled(webrtc.RTPCodecTypeAudio, !m.muted)
	return m.muted
}

// ToggleCamera flips the video tracks on or off the sender. Returns the
// new camera-off state.
func (m *Manager) ToggleCamera() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cameraOff = !m.cameraOff
	m.setEnabled(webrtc.RTPCodecTypeVideo, !m.cameraOff)
	return m.cameraOff
}

// Muted reports the current audio mute state.
func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// CameraOff reports the current camera state.
func (m *Manager) CameraOff() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cameraOff
}

// setEnabled swaps tracks of the given kind in or out of their senders.
// Called with m.mu held.
func (m *Manager) setEnabled(kind webrtc.RTPCodecType, enabled bool) {
	for _, track := range m.tracks {
		if track.Kind() != kind {
			continue
		}
		sender, ok := m.senders[track]
		if !ok || sender == nil {
			continue
		}
		var err error
		if enabled {
			err = sender.ReplaceTrack(track.Local())
		} else {
			err = sender.ReplaceTrack(nil)
		}
		if err != nil {
			slog.Warn("failed to toggle track", "kind", kind.String(), "enabled", enabled, "error", err)
		}
	}
}

// Release stops every local track. Safe to call any number of times,
// from any state; a half-acquired manager releases whatever it holds.
func (m *Manager) Release() {
	m.mu.Lock()
	tracks := m.tracks
	m.tracks = nil
	m.senders = make(map[Track]*webrtc.RTPSender)
	m.released = true
	m.mu.Unlock()

	for _, track := range tracks {
		if track == nil {
			continue
		}
		if err := track.Stop(); err != nil {
			slog.Debug("failed to stop local track", "kind", track.Kind().String(), "error", err)
		}
	}
}
