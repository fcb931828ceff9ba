package reconcile

import (
	"testing"

	"github.com/meshcall/meshcall/media"
	"github.com/meshcall/meshcall/signal"
)

func TestReconcileNoOpWithoutMainStream(t *testing.T) {
	m := media.New(nil, nil)
	r := New(m, nil)

	// No mainStream exists yet (capture never started); Reconcile must be a
	// pure no-op rather than panicking on a nil PeerAttacher.
	r.Reconcile("peer-a", nil, signal.StreamInfo{Stream: &signal.StreamActive{Active: true}})
}

func TestPeerSeesHealthyTrack(t *testing.T) {
	r := &Reconciler{}

	info := signal.StreamInfo{Tracks: []signal.TrackInfo{
		{Kind: "audio", Muted: false},
		{Kind: "video", Muted: true},
	}}

	if !r.peerSeesHealthyTrack(info, media.KindAudio, nil) {
		t.Fatal("expected an unmuted audio track to count as healthy")
	}
	if r.peerSeesHealthyTrack(info, media.KindVideo, nil) {
		t.Fatal("expected a muted video track to count as unhealthy")
	}
	if r.peerSeesHealthyTrack(info, media.Kind("screen"), nil) {
		t.Fatal("expected an absent track kind to count as unhealthy")
	}
}
