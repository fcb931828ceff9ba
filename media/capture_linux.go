//go:build linux

package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// newCodecSelector configures VP8 + Opus, matching call/media_linux.go.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// captureVideo acquires a single camera track via V4L2 (pion/mediadevices).
func captureVideo(sel *mediadevices.CodecSelector) (mediadevices.Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose a malformed MJPEG V4L2 node
			// that poisons the VP8 encoder (same exclusion as media_linux.go).
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Codec: sel,
	})
	if err != nil {
		return nil, fmt.Errorf("media: capture video: %w", err)
	}
	for _, t := range stream.GetTracks() {
		if t.Kind().String() == "video" {
			return t, nil
		}
	}
	return nil, fmt.Errorf("media: no video track returned")
}

// captureAudio acquires a single microphone track (malgo backend).
func captureAudio(sel *mediadevices.CodecSelector) (mediadevices.Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: sel,
	})
	if err != nil {
		return nil, fmt.Errorf("media: capture audio: %w", err)
	}
	for _, t := range stream.GetTracks() {
		if t.Kind().String() == "audio" {
			return t, nil
		}
	}
	return nil, fmt.Errorf("media: no audio track returned")
}
