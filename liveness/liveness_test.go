package liveness

import (
	"context"
	"sync"
	"testing"

	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/signal"
)

func TestMarshalUnmarshalMetaRoundTrip(t *testing.T) {
	meta := signal.PongMetaData{
		ConnectionStatuses: map[identity.PubKey]string{"peer-a": "connected"},
		AppVersion:         "1.0",
		KnownAgents:        []signal.KnownAgent{{PubKey: "peer-b", AppVersion: "1.0"}},
	}

	raw, err := marshalMeta(meta)
	if err != nil {
		t.Fatalf("marshalMeta: %v", err)
	}

	got, err := UnmarshalMeta(raw)
	if err != nil {
		t.Fatalf("UnmarshalMeta: %v", err)
	}
	if got.AppVersion != meta.AppVersion {
		t.Fatalf("AppVersion = %q, want %q", got.AppVersion, meta.AppVersion)
	}
	if got.ConnectionStatuses["peer-a"] != "connected" {
		t.Fatalf("ConnectionStatuses missing entry: %+v", got.ConnectionStatuses)
	}
	if len(got.KnownAgents) != 1 || got.KnownAgents[0].PubKey != "peer-b" {
		t.Fatalf("KnownAgents round trip failed: %+v", got.KnownAgents)
	}
}

func TestUnmarshalMetaTolerantOfGarbage(t *testing.T) {
	if _, err := UnmarshalMeta("not json"); err == nil {
		t.Fatal("expected UnmarshalMeta to report an error on malformed input")
	}
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	peer identity.PubKey
	msg  any
}

func (f *fakeTransport) Send(ctx context.Context, peer identity.PubKey, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{peer: peer, msg: msg})
	return nil
}

func (f *fakeTransport) Subscribe() (<-chan signal.Inbound, func()) {
	ch := make(chan signal.Inbound)
	return ch, func() {}
}

type fakeSource struct {
	targets []identity.PubKey
	blocked map[identity.PubKey]bool
	meta    signal.PongMetaData
}

func (f *fakeSource) PingTargets() []identity.PubKey { return f.targets }
func (f *fakeSource) IsBlocked(peer identity.PubKey) bool { return f.blocked[peer] }
func (f *fakeSource) Metadata() signal.PongMetaData { return f.meta }

type fakeRegistrar struct {
	known map[identity.PubKey]string
	told  map[identity.PubKey]string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{known: map[identity.PubKey]string{}, told: map[identity.PubKey]string{}}
}

func (r *fakeRegistrar) MarkKnown(peer identity.PubKey, appVersion string) { r.known[peer] = appVersion }
func (r *fakeRegistrar) MarkTold(peer identity.PubKey, appVersion string)  { r.told[peer] = appVersion }
func (r *fakeRegistrar) InitStatusIfAbsent(f signal.Family, peer identity.PubKey) {}

func TestSweepSkipsSelfAndBlocked(t *testing.T) {
	transport := &fakeTransport{}
	source := &fakeSource{
		targets: []identity.PubKey{"self", "peer-a", "peer-blocked"},
		blocked: map[identity.PubKey]bool{"peer-blocked": true},
	}
	p := New("self", 0, transport, source, newFakeRegistrar())

	p.sweep(context.Background())

	if len(transport.sent) != 1 || transport.sent[0].peer != "peer-a" {
		t.Fatalf("sweep sent = %+v, want exactly one ping to peer-a", transport.sent)
	}
}

func TestHandlePingUiSkipsBlockedSender(t *testing.T) {
	transport := &fakeTransport{}
	source := &fakeSource{blocked: map[identity.PubKey]bool{"peer-blocked": true}}
	p := New("self", 0, transport, source, newFakeRegistrar())

	p.HandlePingUi(context.Background(), signal.PingUi{FromAgent: "peer-blocked"})

	if len(transport.sent) != 0 {
		t.Fatalf("expected no pong sent to a blocked peer, got %+v", transport.sent)
	}
}

func TestHandlePingUiRespondsWithPong(t *testing.T) {
	transport := &fakeTransport{}
	source := &fakeSource{meta: signal.PongMetaData{AppVersion: "1.0"}}
	p := New("self", 0, transport, source, newFakeRegistrar())

	p.HandlePingUi(context.Background(), signal.PingUi{FromAgent: "peer-a"})

	if len(transport.sent) != 1 {
		t.Fatalf("expected one pong sent, got %d", len(transport.sent))
	}
	pong, ok := transport.sent[0].msg.(signal.PongUi)
	if !ok {
		t.Fatalf("sent message type = %T, want signal.PongUi", transport.sent[0].msg)
	}
	if pong.FromAgent != "self" {
		t.Fatalf("pong.FromAgent = %q, want self", pong.FromAgent)
	}
}

func TestRefreshKnownAgentsSkipsSelf(t *testing.T) {
	reg := newFakeRegistrar()
	p := New("self", 0, &fakeTransport{}, &fakeSource{}, reg)

	p.RefreshKnownAgents([]identity.PubKey{"self", "peer-a"}, "1.0")

	if _, ok := reg.known["self"]; ok {
		t.Fatal("RefreshKnownAgents marked self as known")
	}
	if reg.known["peer-a"] != "1.0" {
		t.Fatalf("peer-a not marked known: %+v", reg.known)
	}
}

func TestMergeToldAgentsSkipsSelf(t *testing.T) {
	reg := newFakeRegistrar()
	p := New("self", 0, &fakeTransport{}, &fakeSource{}, reg)

	p.MergeToldAgents([]signal.KnownAgent{{PubKey: "self"}, {PubKey: "peer-a", AppVersion: "2.0"}})

	if _, ok := reg.told["self"]; ok {
		t.Fatal("MergeToldAgents told self")
	}
	if reg.told["peer-a"] != "2.0" {
		t.Fatalf("peer-a not marked told: %+v", reg.told)
	}
}
