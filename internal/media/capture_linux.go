//go:build linux && cgo

package media

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer captures camera/microphone via pion/mediadevices
// (V4L2 + malgo on Linux) with VP8 video and Opus audio.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *DeviceCapturer) PopulateEngine(engine *webrtc.MediaEngine) error {
	c.selector.Populate(engine)
	return nil
}

// Acquire opens microphone capture, plus camera when withVideo is set.
// GetUserMedia fails as a unit if either track can't be opened, so a
// video call falls back to audio-only rather than failing outright; a
// missing microphone is fatal (a call without local audio is useless).
func (c *DeviceCapturer) Acquire(withVideo bool) ([]Track, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no media devices found", ErrDeviceAbsent)
	}
	for _, d := range devices {
		slog.Debug("media device", "kind", d.Kind, "label", d.Label)
	}

	attempts := []bool{withVideo}
	if withVideo {
		attempts = append(attempts, false) // audio-only fallback
	}

	var lastErr error
	for _, video := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if video {
			constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node
				// producing malformed frames that poison the VP8 encoder.
				mtc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mtc.Width = prop.IntRanged{Max: 640}
				mtc.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = classifyCaptureError(err)
			slog.Warn("media capture attempt failed", "video", video, "error", err)
			continue
		}

		mdTracks := stream.GetTracks()
		tracks := make([]Track, 0, len(mdTracks))
		for _, t := range mdTracks {
			t.OnEnded(func(err error) {
				if err != nil {
					slog.Debug("local track ended", "error", err)
				}
			})
			tracks = append(tracks, &deviceTrack{t: t})
		}
		slog.Info("local media captured", "video", video, "tracks", len(tracks))
		return tracks, nil
	}

	return nil, lastErr
}

type deviceTrack struct {
	t mediadevices.Track
}

func (d *deviceTrack) Local() webrtc.TrackLocal     { return d.t }
func (d *deviceTrack) Kind() webrtc.RTPCodecType    { return d.t.Kind() }
func (d *deviceTrack) Stop() error                  { return d.t.Close() }

// classifyCaptureError maps driver errors onto the package taxonomy so
// the call window can render a useful terminal cause.
func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device") || strings.Contains(msg, "failed to find"):
		return fmt.Errorf("%w: %v", ErrDeviceAbsent, err)
	default:
		return fmt.Errorf("media: capture failed: %w", err)
	}
}
