// Package media owns the local camera/mic stream, the screen-share stream,
// and their reconciliation clones, attaching tracks to active peers and
// emitting the my-* lifecycle events. Grounded on the teacher's call.Session
// media capture (internal/call/session.go, internal/call/media_linux.go/
// media_other.go).
package media

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"

	"github.com/meshcall/meshcall/identity"
)

// PeerAttacher is the subset of webrtcpeer.Peer the MediaEngine needs, kept
// as an interface so tests can supply a fake.
type PeerAttacher interface {
	AddStream(s *Stream) error
	RemoveStream(s *Stream)
	AddTrack(t *LocalTrack, s *Stream) error
	RemoveTrack(t *LocalTrack)
	Send(s string) error
}

// ScreenSource is the external screen-picker collaborator; choosing which
// window or display to share is left to the caller. The engine only needs a
// capture callback from it.
type ScreenSource interface {
	CaptureScreen() (mediadevices.Track, error)
}

// Events is the subset of eventbus.Bus the engine emits lifecycle events
// through, kept as an interface to avoid an import cycle with eventbus's
// richer API surface.
type Events interface {
	EmitSelf(kind string)
	EmitError(err error)
}

// Engine owns mainStream, screenShareStream, and every retained clone.
type Engine struct {
	mu sync.Mutex

	mainStream   *Stream
	mainVideo    *Track // capture track backing mainStream's video LocalTrack
	mainAudio    *Track // capture track backing mainStream's audio LocalTrack

	screenStream *Stream
	screenTrack  *Track

	// clones are retained until disconnect(), keyed by the peer they were
	// created for so audioOff can find every clone — though because clone
	// LocalTracks share the parent Track's Enabled gate, disabling mainAudio
	// here already silences every clone automatically; the map exists to let
	// disconnect() close them out explicitly.
	clones map[identity.PubKey][]*Stream

	screenSource ScreenSource
	events       Events
}

// New constructs an Engine. events may be nil in tests that don't assert on
// the event taxonomy.
func New(screenSource ScreenSource, events Events) *Engine {
	return &Engine{
		clones:       make(map[identity.PubKey][]*Stream),
		screenSource: screenSource,
		events:       events,
	}
}

func (e *Engine) emit(kind string) {
	if e.events != nil {
		e.events.EmitSelf(kind)
	}
}

func (e *Engine) emitErr(err error) {
	if e.events != nil {
		e.events.EmitError(err)
	}
}

// MainStream returns the current main audio/video stream, or nil if neither
// VideoOn nor AudioOn has ever been called — the stream is created lazily.
func (e *Engine) MainStream() *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mainStream
}

// ScreenStream returns the current screen-share stream, or nil.
func (e *Engine) ScreenStream() *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.screenStream
}

func (e *Engine) ensureMainStream() {
	if e.mainStream == nil {
		e.mainStream = newStream()
	}
}

// VideoOn starts local camera capture and attaches the resulting track to
// every peer in peers. If a video track is already captured it only makes
// sure it is enabled; VideoOff drops the track, so the next VideoOn
// captures anew.
func (e *Engine) VideoOn(peers map[identity.PubKey]PeerAttacher) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mainVideo != nil {
		e.mainVideo.SetEnabled(true)
		e.emit("my-video-on")
		return
	}

	sel, err := newCodecSelector()
	if err != nil {
		e.emitErr(fmt.Errorf("media: video codec selector: %w", err))
		return
	}
	capture, err := captureVideo(sel)
	if err != nil {
		e.emitErr(fmt.Errorf("media: acquire video: %w", err))
		return
	}
	track, local, err := newTrack(KindVideo, capture)
	if err != nil {
		e.emitErr(fmt.Errorf("media: video track: %w", err))
		return
	}
	e.mainVideo = track

	hadStream := e.mainStream != nil
	e.ensureMainStream()
	e.mainStream.addTrack(local)

	if hadStream {
		for _, p := range peers {
			if err := p.AddTrack(local, e.mainStream); err != nil {
				e.emitErr(fmt.Errorf("media: attach video to peer: %w", err))
			}
		}
	} else {
		for _, p := range peers {
			if err := p.AddStream(e.mainStream); err != nil {
				e.emitErr(fmt.Errorf("media: attach stream to peer: %w", err))
			}
		}
	}
	e.emit("my-video-on")
}

// VideoOff stops local camera capture and removes the video track from
// every peer in peers.
func (e *Engine) VideoOff(peers map[identity.PubKey]PeerAttacher) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mainVideo == nil || e.mainStream == nil {
		return // calling VideoOff twice is a no-op
	}

	e.mainVideo.Stop()
	local, ok := e.mainStream.removeTrackOfKind(KindVideo)
	e.mainVideo = nil

	for _, p := range peers {
		if ok {
			p.RemoveTrack(local)
		}
		if err := p.Send(actionJSON("video-off")); err != nil {
			e.emitErr(fmt.Errorf("media: send video-off action: %w", err))
		}
	}
	e.emit("my-video-off")
}

// AudioOn starts local microphone capture, or re-enables it if already
// captured but toggled off, and attaches the resulting track to every peer
// in peers.
func (e *Engine) AudioOn(peers map[identity.PubKey]PeerAttacher) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mainAudio != nil {
		e.mainAudio.SetEnabled(true)
		e.emit("my-audio-on")
		return
	}

	sel, err := newCodecSelector()
	if err != nil {
		e.emitErr(fmt.Errorf("media: audio codec selector: %w", err))
		return
	}
	capture, err := captureAudio(sel)
	if err != nil {
		e.emitErr(fmt.Errorf("media: acquire audio: %w", err))
		return
	}
	track, local, err := newTrack(KindAudio, capture)
	if err != nil {
		e.emitErr(fmt.Errorf("media: audio track: %w", err))
		return
	}
	e.mainAudio = track

	hadStream := e.mainStream != nil
	e.ensureMainStream()
	e.mainStream.addTrack(local)

	if hadStream {
		for _, p := range peers {
			if err := p.AddTrack(local, e.mainStream); err != nil {
				e.emitErr(fmt.Errorf("media: attach audio to peer: %w", err))
			}
		}
	} else {
		for _, p := range peers {
			if err := p.AddStream(e.mainStream); err != nil {
				e.emitErr(fmt.Errorf("media: attach stream to peer: %w", err))
			}
		}
	}
	e.emit("my-audio-on")
}

// AudioOff disables (never stops) the audio track, which also silences
// every retained clone because clone LocalTracks share the parent Track's
// Enabled gate (see clones field doc).
func (e *Engine) AudioOff(peers map[identity.PubKey]PeerAttacher) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mainAudio == nil {
		return
	}
	e.mainAudio.SetEnabled(false)

	for _, p := range peers {
		if err := p.Send(actionJSON("audio-off")); err != nil {
			e.emitErr(fmt.Errorf("media: send audio-off action: %w", err))
		}
	}
	e.emit("my-audio-off")
}

// ScreenShareOn captures a screen/window track from screenSource and
// attaches it to every peer in outgoing as a new stream.
func (e *Engine) ScreenShareOn(outgoing map[identity.PubKey]PeerAttacher) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.screenTrack != nil {
		return
	}
	if e.screenSource == nil {
		e.emitErr(fmt.Errorf("media: no screen source configured"))
		return
	}
	capture, err := e.screenSource.CaptureScreen()
	if err != nil {
		e.emitErr(fmt.Errorf("media: capture screen: %w", err))
		return
	}
	track, local, err := newTrack(KindVideo, capture)
	if err != nil {
		e.emitErr(fmt.Errorf("media: screen track: %w", err))
		return
	}
	e.screenTrack = track
	e.screenStream = newStream(local)

	for _, p := range outgoing {
		if err := p.AddStream(e.screenStream); err != nil {
			e.emitErr(fmt.Errorf("media: attach screen stream: %w", err))
		}
	}
	e.emit("my-screen-share-on")
}

// ScreenShareOff stops local screen capture. The only clean way to stop
// showing a screen to a peer is destroying that peer's screen WebRTCPeer
// entirely, so the caller (engine.StateMachine) is responsible for
// destroying the outgoing screen sessions; this just releases the capture.
func (e *Engine) ScreenShareOff() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.screenTrack == nil {
		return
	}
	e.screenTrack.Stop()
	e.screenTrack = nil
	e.screenStream = nil
	e.emit("my-screen-share-off")
}

// Reconcile performs the clone-and-reattach procedure for peer, recording
// the clone stream for later audioOff propagation and disconnect cleanup.
// Called by reconcile.Reconciler.
func (e *Engine) Reconcile(peer identity.PubKey, p PeerAttacher) (*Stream, error) {
	e.mu.Lock()
	main := e.mainStream
	e.mu.Unlock()

	if main == nil {
		return nil, fmt.Errorf("media: no main stream to reconcile")
	}

	p.RemoveStream(main)

	clone, err := main.Clone()
	if err != nil {
		return nil, fmt.Errorf("media: clone main stream: %w", err)
	}
	if err := p.AddStream(clone); err != nil {
		return nil, fmt.Errorf("media: attach clone stream: %w", err)
	}
	for _, t := range clone.Tracks() {
		if err := p.AddTrack(t, clone); err != nil {
			return nil, fmt.Errorf("media: re-add clone track: %w", err)
		}
	}

	e.mu.Lock()
	e.clones[peer] = append(e.clones[peer], clone)
	e.mu.Unlock()

	return clone, nil
}

// ReleasePeer forgets any clones retained for peer, called on disconnect.
func (e *Engine) ReleasePeer(peer identity.PubKey) {
	e.mu.Lock()
	delete(e.clones, peer)
	e.mu.Unlock()
}

// Shutdown stops all capture and clears every retained clone, releasing
// every media resource held for a disconnect.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mainVideo != nil {
		e.mainVideo.Stop()
		e.mainVideo = nil
	}
	if e.mainAudio != nil {
		e.mainAudio.Stop()
		e.mainAudio = nil
	}
	if e.screenTrack != nil {
		e.screenTrack.Stop()
		e.screenTrack = nil
	}
	e.mainStream = nil
	e.screenStream = nil
	e.clones = make(map[identity.PubKey][]*Stream)
}

func actionJSON(action string) string {
	return fmt.Sprintf(`{"type":"action","message":%q}`, action)
}
