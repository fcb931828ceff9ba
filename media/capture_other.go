//go:build !linux

package media

import (
	"fmt"

	"github.com/pion/mediadevices"
)

// newCodecSelector returns a codec selector with default encoders. Platform
// capture drivers (V4L2/malgo) are Linux-only in this repo, matching
// call/media_other.go's receive-only fallback on Windows/macOS.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	return mediadevices.NewCodecSelector(), nil
}

func captureVideo(_ *mediadevices.CodecSelector) (mediadevices.Track, error) {
	return nil, fmt.Errorf("media: camera capture not available on this platform")
}

func captureAudio(_ *mediadevices.CodecSelector) (mediadevices.Track, error) {
	return nil, fmt.Errorf("media: microphone capture not available on this platform")
}
