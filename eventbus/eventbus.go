// Package eventbus implements the observable container the UI subscribes
// to for peer and self lifecycle events. Grounded on the teacher's
// state.PeerTable subscribe/unsubscribe/notifyListeners pattern
// (internal/state/peers.go).
package eventbus

import (
	"sync"

	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/internal/util"
)

// historySize bounds the ring buffer debugsrv's /api/debug/state reads from,
// matching the teacher's fixed-capacity viewer.LogBuffer.
const historySize = 200

// Kind enumerates the event taxonomy.
type Kind string

const (
	MyVideoOn                   Kind = "my-video-on"
	MyVideoOff                  Kind = "my-video-off"
	MyAudioOn                   Kind = "my-audio-on"
	MyAudioOff                  Kind = "my-audio-off"
	MyScreenShareOn             Kind = "my-screen-share-on"
	MyScreenShareOff            Kind = "my-screen-share-off"
	PeerConnected               Kind = "peer-connected"
	PeerDisconnected            Kind = "peer-disconnected"
	PeerAudioOn                 Kind = "peer-audio-on"
	PeerAudioOff                Kind = "peer-audio-off"
	PeerVideoOn                 Kind = "peer-video-on"
	PeerVideoOff                Kind = "peer-video-off"
	PeerStream                  Kind = "peer-stream"
	PeerScreenShareStream       Kind = "peer-screen-share-stream"
	PeerScreenShareTrack        Kind = "peer-screen-share-track"
	PeerScreenShareConnected    Kind = "peer-screen-share-connected"
	PeerScreenShareDisconnected Kind = "peer-screen-share-disconnected"
	Error                       Kind = "error"
)

// Event is one bus notification. Every peer event carries PubKey and
// ConnectionID; Payload holds kind-specific data (a *webrtc.TrackRemote for
// peer-stream and peer-screen-share-track, otherwise nil).
type Event struct {
	Kind         Kind
	PubKey       identity.PubKey
	ConnectionID string
	Payload      any
	Err          error
}

// Bus is the observable event container.
type Bus struct {
	mu        sync.Mutex
	listeners []chan Event
	history   *util.RingBuffer[Event]
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		listeners: make([]chan Event, 0),
		history:   util.NewRingBuffer[Event](historySize),
	}
}

// History returns the most recent events, oldest first, for diagnostics
// (debugsrv's /api/debug/state) without needing an active subscription.
func (b *Bus) History() []Event { return b.history.Snapshot() }

// Subscribe registers a new listener channel, buffered so a slow consumer
// never blocks the single-threaded engine loop (dropped events are the
// consumer's problem, matching notifyListeners' best-effort send).
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 32)
	b.listeners = append(b.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l == ch {
			close(l)
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Bus) emit(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.Push(evt)
	for _, ch := range b.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Emit publishes a peer-scoped event.
func (b *Bus) Emit(kind Kind, peer identity.PubKey, connectionID string, payload any) {
	b.emit(Event{Kind: kind, PubKey: peer, ConnectionID: connectionID, Payload: payload})
}

// EmitSelf publishes a self-scoped event (no peer), e.g. my-video-on. It
// implements media.Events so *Bus can be passed directly to media.New.
func (b *Bus) EmitSelf(kind string) {
	b.emit(Event{Kind: Kind(kind)})
}

// EmitError publishes an error event. Errors surface here instead of
// propagating up a call stack; no internal error is treated as fatal. It
// implements media.Events.
func (b *Bus) EmitError(err error) {
	b.emit(Event{Kind: Error, Err: err})
}
