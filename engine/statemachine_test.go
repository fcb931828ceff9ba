package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/meshcall/meshcall/eventbus"
	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/media"
	"github.com/meshcall/meshcall/registry"
	"github.com/meshcall/meshcall/signal"
)

// fakeTransport is a signal.Transport that records every Send and lets tests
// feed inbound signals directly, mirroring liveness_test.go's fakeTransport.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMsg
	ch   chan signal.Inbound
}

type sentMsg struct {
	peer identity.PubKey
	msg  any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan signal.Inbound, 16)}
}

func (f *fakeTransport) Send(_ context.Context, peer identity.PubKey, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{peer: peer, msg: msg})
	return nil
}

func (f *fakeTransport) Subscribe() (<-chan signal.Inbound, func()) {
	return f.ch, func() {}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) last() sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// newTestStateMachine builds a StateMachine with a fake transport and a real
// registry.Registry and media.Engine, neither of which needs a webrtcpeer.Peer
// or any hardware to exist.
func newTestStateMachine(self identity.PubKey, retryThreshold time.Duration) (*StateMachine, *fakeTransport) {
	transport := newFakeTransport()
	bus := eventbus.New()
	m := media.New(nil, bus)
	sm := New(Config{Self: self, InitRetryThreshold: retryThreshold}, transport, m, bus)
	return sm, transport
}

func marshalPongMeta(t *testing.T, meta signal.PongMetaData) string {
	t.Helper()
	b, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal PongMetaData: %v", err)
	}
	return string(b)
}

// TestDriveInitPendingInitsAreFamilyScoped documents the deliberate design
// choice behind driveInit's family-keyed PendingInits lookup: a video and a
// screen handshake for the same peer retry completely independently, so
// driving one family's init can never accidentally read back or suppress a
// retry belonging to the other family.
func TestDriveInitPendingInitsAreFamilyScoped(t *testing.T) {
	self := identity.PubKey("self-key")
	peer := identity.PubKey("peer-key")
	sm, transport := newTestStateMachine(self, time.Hour)
	ctx := context.Background()

	sm.driveInit(ctx, signal.FamilyVideo, peer)
	if got := transport.sentCount(); got != 1 {
		t.Fatalf("after first video driveInit: sent = %d, want 1", got)
	}
	if got := len(sm.reg.PendingInits(signal.FamilyVideo, peer)); got != 1 {
		t.Fatalf("video PendingInits length = %d, want 1", got)
	}
	if got := len(sm.reg.PendingInits(signal.FamilyScreen, peer)); got != 0 {
		t.Fatalf("screen PendingInits length = %d, want 0 (unaffected by video driveInit)", got)
	}

	// Retrying video immediately must no-op: still within InitRetryThreshold.
	sm.driveInit(ctx, signal.FamilyVideo, peer)
	if got := transport.sentCount(); got != 1 {
		t.Fatalf("after retrying video within threshold: sent = %d, want 1 (no retry yet)", got)
	}

	// Driving screen for the same peer must proceed immediately: its pending
	// inits are tracked separately from video's, even though video already
	// has a fresh, unexpired pending init.
	sm.driveInit(ctx, signal.FamilyScreen, peer)
	if got := transport.sentCount(); got != 2 {
		t.Fatalf("after screen driveInit: sent = %d, want 2", got)
	}
	if got := len(sm.reg.PendingInits(signal.FamilyScreen, peer)); got != 1 {
		t.Fatalf("screen PendingInits length = %d, want 1", got)
	}
	if got := len(sm.reg.PendingInits(signal.FamilyVideo, peer)); got != 1 {
		t.Fatalf("video PendingInits length = %d, want 1 (unaffected by screen driveInit)", got)
	}
}

// TestDriveInitRetriesAfterThreshold checks that a new InitRequest is sent
// once the retry threshold has elapsed since the last pending init.
func TestDriveInitRetriesAfterThreshold(t *testing.T) {
	self := identity.PubKey("self-key")
	peer := identity.PubKey("peer-key")
	sm, transport := newTestStateMachine(self, time.Millisecond)
	ctx := context.Background()

	sm.driveInit(ctx, signal.FamilyVideo, peer)
	time.Sleep(5 * time.Millisecond)
	sm.driveInit(ctx, signal.FamilyVideo, peer)

	if got := transport.sentCount(); got != 2 {
		t.Fatalf("sent = %d, want 2 (retry after threshold elapsed)", got)
	}
	if got := len(sm.reg.PendingInits(signal.FamilyVideo, peer)); got != 2 {
		t.Fatalf("PendingInits length = %d, want 2 (retry appends rather than replaces)", got)
	}
}

// TestHandlePongUiDrivesVideoInitWhenSelfIsHigher exercises handlePongUi's
// case 1: no open video connection and peer sorts below self, so self is the
// one that must drive the handshake.
func TestHandlePongUiDrivesVideoInitWhenSelfIsHigher(t *testing.T) {
	self := identity.PubKey("zzz-self")
	peer := identity.PubKey("aaa-peer")
	sm, transport := newTestStateMachine(self, time.Hour)
	ctx := context.Background()

	meta := marshalPongMeta(t, signal.PongMetaData{})
	sm.handlePongUi(ctx, signal.PongUi{FromAgent: peer, MetaData: meta})

	if got := transport.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want 1 InitRequest", got)
	}
	if _, ok := transport.last().msg.(signal.InitRequest); !ok {
		t.Fatalf("last sent message = %T, want signal.InitRequest", transport.last().msg)
	}
	if got := len(sm.reg.PendingInits(signal.FamilyVideo, peer)); got != 1 {
		t.Fatalf("video PendingInits length = %d, want 1", got)
	}
	// Not sharing a screen, so the family-5 screen drive must stay dormant.
	if got := len(sm.reg.PendingInits(signal.FamilyScreen, peer)); got != 0 {
		t.Fatalf("screen PendingInits length = %d, want 0 (no screen share active)", got)
	}
}

// TestHandlePongUiAwaitsInitWhenSelfIsLower exercises handlePongUi's case 2:
// no open connection, and self sorts below peer, so self waits to be asked
// rather than sending its own InitRequest.
func TestHandlePongUiAwaitsInitWhenSelfIsLower(t *testing.T) {
	self := identity.PubKey("aaa-self")
	peer := identity.PubKey("zzz-peer")
	sm, transport := newTestStateMachine(self, time.Hour)
	ctx := context.Background()

	meta := marshalPongMeta(t, signal.PongMetaData{})
	sm.handlePongUi(ctx, signal.PongUi{FromAgent: peer, MetaData: meta})

	if got := transport.sentCount(); got != 0 {
		t.Fatalf("sent = %d, want 0 (self waits for peer to initiate)", got)
	}
	if st := sm.reg.Status(signal.FamilyVideo, peer); st.Kind != registry.AwaitingInit {
		t.Fatalf("status = %v, want AwaitingInit", st.Kind)
	}
}

// TestHandlePongUiIgnoresBlockedSender checks that a pong from a blocked
// peer has no effect at all.
func TestHandlePongUiIgnoresBlockedSender(t *testing.T) {
	self := identity.PubKey("self-key")
	peer := identity.PubKey("peer-key")
	sm, transport := newTestStateMachine(self, time.Hour)
	sm.reg.Block(peer)
	ctx := context.Background()

	meta := marshalPongMeta(t, signal.PongMetaData{})
	sm.handlePongUi(ctx, signal.PongUi{FromAgent: peer, MetaData: meta})

	if got := transport.sentCount(); got != 0 {
		t.Fatalf("sent = %d, want 0 for a blocked peer", got)
	}
	if _, ok := sm.reg.OthersStatus(peer); ok {
		t.Fatal("OthersStatus recorded for a blocked peer")
	}
}

// TestHandlePongUiMergesToldAgents checks that known-agents named in the
// pong's metadata are merged into the registry as "told".
func TestHandlePongUiMergesToldAgents(t *testing.T) {
	self := identity.PubKey("self-key")
	peer := identity.PubKey("peer-key")
	other := identity.PubKey("other-key")
	sm, _ := newTestStateMachine(self, time.Hour)
	ctx := context.Background()

	meta := marshalPongMeta(t, signal.PongMetaData{
		KnownAgents: []signal.KnownAgent{{PubKey: other, AppVersion: "1.2.3"}},
	})
	sm.handlePongUi(ctx, signal.PongUi{FromAgent: peer, MetaData: meta})

	agents := sm.reg.KnownAgents()
	info, ok := agents[other]
	if !ok {
		t.Fatal("other peer not merged into known agents")
	}
	if info.Type != registry.AgentTold {
		t.Fatalf("agent type = %v, want AgentTold", info.Type)
	}
}
