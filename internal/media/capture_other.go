//go:build !linux || !cgo

package media

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// DeviceCapturer on non-Linux platforms is receive-only: camera/mic
// capture via pion/mediadevices needs platform drivers that are only
// wired for Linux here. Calls still connect and receive remote media.
type DeviceCapturer struct{}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	return &DeviceCapturer{}, nil
}

func (c *DeviceCapturer) PopulateEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (c *DeviceCapturer) Acquire(withVideo bool) ([]Track, error) {
	slog.Info("no local capture on this platform, proceeding receive-only", "video", withVideo)
	return nil, nil
}
