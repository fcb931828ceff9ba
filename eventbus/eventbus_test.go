package eventbus

import (
	"errors"
	"testing"
	"time"
)

func TestSubscribeReceivesEmit(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Emit(PeerConnected, "peer-a", "cid-1", nil)

	select {
	case evt := <-ch:
		if evt.Kind != PeerConnected || evt.PubKey != "peer-a" || evt.ConnectionID != "cid-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	b.Emit(PeerConnected, "peer-a", "cid-1", nil)

	_, ok := <-ch
	if ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestEmitSelfAndEmitError(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.EmitSelf(string(MyVideoOn))
	evt := <-ch
	if evt.Kind != MyVideoOn {
		t.Fatalf("EmitSelf kind = %v, want %v", evt.Kind, MyVideoOn)
	}

	wantErr := errors.New("boom")
	b.EmitError(wantErr)
	evt = <-ch
	if evt.Kind != Error || evt.Err != wantErr {
		t.Fatalf("EmitError event = %+v, want Err=%v", evt, wantErr)
	}
}

func TestSlowListenerDoesNotBlockEmit(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			b.Emit(PeerConnected, "peer-a", "cid", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow/unread listener")
	}
}

func TestHistoryTracksRecentEvents(t *testing.T) {
	b := New()
	b.Emit(PeerConnected, "peer-a", "cid-1", nil)
	b.Emit(PeerDisconnected, "peer-a", "cid-1", nil)

	hist := b.History()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Kind != PeerConnected || hist[1].Kind != PeerDisconnected {
		t.Fatalf("history out of order: %+v", hist)
	}
}

func TestHistoryWrapsAtCapacity(t *testing.T) {
	b := New()
	for i := 0; i < historySize+10; i++ {
		b.Emit(PeerConnected, "peer-a", "cid", nil)
	}
	hist := b.History()
	if len(hist) != historySize {
		t.Fatalf("history length = %d, want %d", len(hist), historySize)
	}
}
