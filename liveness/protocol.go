// Package liveness implements the periodic ping sweep, pong response
// carrying PongMetaData, and known-agents table maintenance. Grounded on
// the teacher's entangle.Manager heartbeat loop
// (internal/entangle/manager.go), adapted from a persistent-stream
// ping/pong to a stateless signal-transport one.
package liveness

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/signal"
)

// MetadataSource lets the Protocol build a PongMetaData snapshot and decide
// who to ping without depending directly on registry or media, avoiding an
// import cycle with the engine package that owns both.
type MetadataSource interface {
	// PingTargets returns every known peer other than self; blocked peers
	// are filtered separately in sweep.
	PingTargets() []identity.PubKey
	IsBlocked(peer identity.PubKey) bool
	Metadata() signal.PongMetaData
}

// Registrar is the known-agents side of the registry the Protocol updates
// directly: each peer pulled from the room membership anchor is marked
// known, and each peer learned from another peer's knownAgents metadata
// field is inserted as told.
type Registrar interface {
	MarkKnown(peer identity.PubKey, appVersion string)
	MarkTold(peer identity.PubKey, appVersion string)
	InitStatusIfAbsent(f signal.Family, peer identity.PubKey)
}

// Protocol drives the periodic ping sweep and responds to inbound pings.
type Protocol struct {
	self       identity.PubKey
	intervalNs atomic.Int64

	transport signal.Transport
	source    MetadataSource
	registrar Registrar
}

// New constructs a Protocol. interval is the ping period, 2000ms by default.
func New(self identity.PubKey, interval time.Duration, transport signal.Transport, source MetadataSource, registrar Registrar) *Protocol {
	p := &Protocol{
		self:      self,
		transport: transport,
		source:    source,
		registrar: registrar,
	}
	p.intervalNs.Store(int64(interval))
	return p
}

// SetInterval changes the ping period. The running sweep picks up the new
// value on its next tick, without restarting Run.
func (p *Protocol) SetInterval(interval time.Duration) {
	p.intervalNs.Store(int64(interval))
}

func (p *Protocol) interval() time.Duration {
	return time.Duration(p.intervalNs.Load())
}

// Run sweeps pings every interval until ctx is cancelled, which happens on
// disconnect. The interval is re-read before each wait, so SetInterval takes
// effect on the next tick rather than requiring Run to be restarted.
func (p *Protocol) Run(ctx context.Context) {
	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.sweep(ctx)
			timer.Reset(p.interval())
		}
	}
}

func (p *Protocol) sweep(ctx context.Context) {
	for _, peer := range p.source.PingTargets() {
		if peer == p.self || p.source.IsBlocked(peer) {
			continue
		}
		msg := signal.PingUi{FromAgent: p.self}
		if err := p.transport.Send(ctx, peer, msg); err != nil {
			log.Printf("liveness: ping %s: %v", peer.Short(), err)
		}
	}
}

// HandlePingUi responds with a PongUi carrying the current metadata
// snapshot. No pong is sent to a blocked sender.
func (p *Protocol) HandlePingUi(ctx context.Context, ping signal.PingUi) {
	if ping.FromAgent == p.self || p.source.IsBlocked(ping.FromAgent) {
		return
	}
	metaJSON, err := marshalMeta(p.source.Metadata())
	if err != nil {
		log.Printf("liveness: marshal pong metadata: %v", err)
		return
	}
	pong := signal.PongUi{FromAgent: p.self, MetaData: metaJSON}
	if err := p.transport.Send(ctx, ping.FromAgent, pong); err != nil {
		log.Printf("liveness: pong %s: %v", ping.FromAgent.Short(), err)
	}
}

// RefreshKnownAgents marks every member of the room anchor's current
// membership list as known. Called by roomanchor on every membership
// change.
func (p *Protocol) RefreshKnownAgents(members []identity.PubKey, appVersion string) {
	for _, m := range members {
		if m == p.self {
			continue
		}
		p.registrar.MarkKnown(m, appVersion)
		p.registrar.InitStatusIfAbsent(signal.FamilyVideo, m)
		p.registrar.InitStatusIfAbsent(signal.FamilyScreen, m)
	}
}

// MergeToldAgents inserts every agent named in a peer's pong metadata as
// "told" unless already known.
func (p *Protocol) MergeToldAgents(agents []signal.KnownAgent) {
	for _, a := range agents {
		if a.PubKey == p.self {
			continue
		}
		p.registrar.MarkTold(a.PubKey, a.AppVersion)
	}
}
