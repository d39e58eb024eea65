package media

import (
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// newCodecSelector builds the VP8+Opus selector used for every capture.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// videoInputs returns the available camera devices.
func videoInputs() []mediadevices.MediaDeviceInfo {
	var out []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			out = append(out, d)
		}
	}
	return out
}

// audioInputs returns the available microphone devices.
func audioInputs() []mediadevices.MediaDeviceInfo {
	var out []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			out = append(out, d)
		}
	}
	return out
}

// pickDevice selects a device by preferred label substring, falling back to
// the first available. Returns the zero value when none exist.
func pickDevice(devices []mediadevices.MediaDeviceInfo, preferredLabel string) mediadevices.MediaDeviceInfo {
	if len(devices) == 0 {
		return mediadevices.MediaDeviceInfo{}
	}
	if preferredLabel != "" {
		want := strings.ToLower(preferredLabel)
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Label), want) {
				return d
			}
		}
	}
	return devices[0]
}

// videoConstraints applies the standard capture constraints for deviceID.
// MJPEG is excluded: some cameras expose an MJPEG node that produces
// malformed frames which poison the VP8 encoder. Resolution is capped at
// 640×480 to keep encoding latency down.
func videoConstraints(deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: 640}
		c.Height = prop.IntRanged{Max: 480}
	}
}

// audioConstraints applies the standard capture constraints for deviceID.
func audioConstraints(deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
	}
}
