// Package reconcile compares a peer's self-reported stream view against
// our own mainStream and repairs asymmetric state via the
// clone-and-reattach procedure. Grounded on the teacher's self-view
// diagnostic loop (internal/call/session.go drainRemoteTrack) for the
// "compare reported vs. actual track state" idea.
package reconcile

import (
	"fmt"

	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/media"
	"github.com/meshcall/meshcall/signal"
)

// Errors is the narrow surface the Reconciler reports failures through,
// implemented by eventbus.Bus.
type Errors interface {
	EmitError(err error)
}

// Reconciler repairs asymmetric media views reported over PongUi.
type Reconciler struct {
	media *media.Engine
	events Errors
}

// New constructs a Reconciler bound to the engine owning mainStream.
func New(m *media.Engine, events Errors) *Reconciler {
	return &Reconciler{media: m, events: events}
}

// Reconcile compares info (the peer's self-reported view of the stream they
// receive from us) against our own mainStream and repairs it on peer.
func (r *Reconciler) Reconcile(peer identity.PubKey, p media.PeerAttacher, info signal.StreamInfo) {
	main := r.media.MainStream()
	if main == nil {
		return // nothing to reconcile — we have no stream to assert
	}

	if info.Stream == nil || !info.Stream.Active {
		r.reattach(peer, p)
		return
	}

	needsReattach := false
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		local, ok := main.TrackOfKind(kind)
		if !ok {
			continue // we don't have this track locally; nothing to assert
		}
		if !r.peerSeesHealthyTrack(info, kind, local) {
			needsReattach = true
		}
	}
	if needsReattach {
		r.reattach(peer, p)
	}
}

// peerSeesHealthyTrack reports whether info names a track of kind that is
// neither absent nor muted.
func (r *Reconciler) peerSeesHealthyTrack(info signal.StreamInfo, kind media.Kind, _ *media.LocalTrack) bool {
	for _, t := range info.Tracks {
		if t.Kind == string(kind) {
			return !t.Muted
		}
	}
	return false
}

// reattach executes the clone-and-reattach procedure via media.Engine.Reconcile,
// which owns mainStream and the clone list.
func (r *Reconciler) reattach(peer identity.PubKey, p media.PeerAttacher) {
	if _, err := r.media.Reconcile(peer, p); err != nil {
		if r.events != nil {
			r.events.EmitError(fmt.Errorf("reconcile: %s: %w", peer.Short(), err))
		}
	}
}
