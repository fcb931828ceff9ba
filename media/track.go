package media

import (
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// Kind identifies a track's media type.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track owns one captured media source (camera, mic, or screen surface) and
// fans its encoded samples out to every registered LocalTrack — the original
// attachment plus any reconciliation clones. Enabled gates whether samples
// reach the sinks at all, the mechanism behind AudioOn/AudioOff (enable and
// disable, never stop, so a muted mic doesn't force renegotiation).
//
// pion/mediadevices already broadcasts raw frames to multiple readers (see
// the parallel self-view encoder in the teacher's call/media_linux.go); this
// fans an encoded sample out to several local sinks the same way, one level
// up at the RTP-sample boundary.
type Track struct {
	kind    Kind
	capture mediadevices.Track

	mu      sync.Mutex
	enabled bool
	sinks   map[*LocalTrack]struct{}
	stopCh  chan struct{}
	closed  bool
}

// LocalTrack is a single TrackLocal bound into one peer attachment. Several
// LocalTracks may share the same parent Track (clone-and-reattach).
type LocalTrack struct {
	sink   *webrtc.TrackLocalStaticSample
	parent *Track
}

// Local returns the pion TrackLocal to hand to webrtc.PeerConnection.AddTrack.
func (lt *LocalTrack) Local() *webrtc.TrackLocalStaticSample { return lt.sink }

// Kind reports whether this is an audio or video track.
func (lt *LocalTrack) Kind() Kind { return lt.parent.kind }

// Enabled reports whether the parent capture Track currently gates samples
// through to this sink.
func (lt *LocalTrack) Enabled() bool { return lt.parent.Enabled() }

func newTrack(kind Kind, capture mediadevices.Track) (*Track, *LocalTrack, error) {
	t := &Track{
		kind:    kind,
		capture: capture,
		enabled: true,
		sinks:   make(map[*LocalTrack]struct{}),
		stopCh:  make(chan struct{}),
	}
	lt, err := t.NewLocal()
	if err != nil {
		return nil, nil, err
	}
	go t.pump()
	return t, lt, nil
}

func (t *Track) mimeType() string {
	if t.kind == KindVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

// NewLocal creates and registers a fresh sink fed by this track's pump. Used
// at construction time and by Stream.Clone to implement clone-and-reattach:
// the clone gets its own TrackLocal carrying the same live encoded samples,
// so re-adding it via AddTrack(track, clonedStream) looks like a brand new
// track to the remote peer without touching local capture.
func (t *Track) NewLocal() (*LocalTrack, error) {
	sink, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: t.mimeType()},
		string(t.kind),
		"meshcall-"+string(t.kind),
	)
	if err != nil {
		return nil, err
	}
	lt := &LocalTrack{sink: sink, parent: t}
	t.mu.Lock()
	t.sinks[lt] = struct{}{}
	t.mu.Unlock()
	return lt, nil
}

// RemoveLocal unregisters a sink, e.g. when a peer's attachment is removed.
func (t *Track) RemoveLocal(lt *LocalTrack) {
	t.mu.Lock()
	delete(t.sinks, lt)
	t.mu.Unlock()
}

// pump reads encoded samples from the underlying capture track and fans
// them out to every registered sink while Enabled; disabled tracks keep the
// reader draining so the encoder's internal buffer never backs up, but drop
// the sample instead of writing it — the RTP sender simply goes quiet
// without a renegotiation, unlike a removed track.
func (t *Track) pump() {
	reader, err := t.capture.NewEncodedIOReader(t.mimeType())
	if err != nil {
		log.Printf("media: track %s: encoded reader: %v", t.kind, err)
		return
	}
	defer reader.Close()

	buf := make([]byte, 4096)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		n, release, err := reader.Read(buf)
		if err != nil {
			log.Printf("media: track %s: read: %v", t.kind, err)
			return
		}
		sample := make([]byte, n)
		copy(sample, buf[:n])
		release()

		t.mu.Lock()
		enabled := t.enabled
		sinks := make([]*LocalTrack, 0, len(t.sinks))
		for s := range t.sinks {
			sinks = append(sinks, s)
		}
		t.mu.Unlock()

		if !enabled {
			continue
		}
		for _, lt := range sinks {
			if err := lt.sink.WriteSample(mediadevices.Sample{Data: sample}); err != nil {
				log.Printf("media: track %s: write sample: %v", t.kind, err)
			}
		}
	}
}

// Kind reports whether this is an audio or video track.
func (t *Track) Kind() Kind { return t.kind }

// SetEnabled implements the enable/disable gate used by AudioOn/AudioOff.
// Video uses Stop instead.
func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Enabled reports the current gate state.
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Stop permanently halts capture, as VideoOff does for every video track.
// Idempotent.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stopCh)
	t.capture.Close()
}
