// Package engine implements the StateMachine: the per-peer, per-family
// connection automaton and the signal dispatch loop that drives it, tying
// together registry.Registry, media.Engine, liveness.Protocol, and
// reconcile.Reconciler. Grounded on the teacher's call.Manager dispatch
// loop (internal/call/manager.go) and call.Session's offer/answer wiring
// (internal/call/session.go).
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/meshcall/meshcall/eventbus"
	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/liveness"
	"github.com/meshcall/meshcall/media"
	"github.com/meshcall/meshcall/reconcile"
	"github.com/meshcall/meshcall/registry"
	"github.com/meshcall/meshcall/signal"
	"github.com/meshcall/meshcall/webrtcpeer"
)

// Config configures a StateMachine.
type Config struct {
	Self               identity.PubKey
	AppVersion         string
	PingInterval       time.Duration // how often the liveness sweep pings known peers
	InitRetryThreshold time.Duration // how long to wait before retrying an unanswered InitRequest
	ICEServers         []webrtc.ICEServer
	TrickleICE         bool
}

// StateMachine is the peer-connection and media-streaming engine.
type StateMachine struct {
	cfg   Config
	cfgMu sync.RWMutex // guards the reloadable fields of cfg: ICEServers, TrickleICE, InitRetryThreshold

	transport signal.Transport
	reg       *registry.Registry
	media     *media.Engine
	events    *eventbus.Bus
	liveness  *liveness.Protocol
	reconciler *reconcile.Reconciler
}

// New constructs a StateMachine. m and bus are owned by the caller (typically
// cmd/meshcall-peer's main) so they can be wired into a ScreenSource and a
// debug server independently.
func New(cfg Config, transport signal.Transport, m *media.Engine, bus *eventbus.Bus) *StateMachine {
	sm := &StateMachine{
		cfg:       cfg,
		transport: transport,
		reg:       registry.New(),
		media:     m,
		events:    bus,
	}
	sm.reconciler = reconcile.New(m, bus)
	sm.liveness = liveness.New(cfg.Self, cfg.PingInterval, transport, sm, sm.reg)
	return sm
}

// Registry exposes the ConnectionRegistry for read-only inspection (UI,
// debugsrv, tests).
func (sm *StateMachine) Registry() *registry.Registry { return sm.reg }

// UpdateConfig applies a config file reload to the running engine: new
// InitRequests and InitAccepts use newCfg.ICEServers and pass on
// newCfg.TrickleICE (which webrtcpeer.New does not act on), driveInit's
// retry wait switches to newCfg.InitRetryThreshold, and the liveness ping
// sweep adopts newCfg.PingInterval on its next tick. Self and AppVersion are
// fixed at construction and ignored here.
func (sm *StateMachine) UpdateConfig(newCfg Config) {
	sm.cfgMu.Lock()
	sm.cfg.ICEServers = newCfg.ICEServers
	sm.cfg.TrickleICE = newCfg.TrickleICE
	sm.cfg.InitRetryThreshold = newCfg.InitRetryThreshold
	sm.cfgMu.Unlock()

	sm.liveness.SetInterval(newCfg.PingInterval)
}

func (sm *StateMachine) iceServers() []webrtc.ICEServer {
	sm.cfgMu.RLock()
	defer sm.cfgMu.RUnlock()
	return sm.cfg.ICEServers
}

func (sm *StateMachine) trickleICE() bool {
	sm.cfgMu.RLock()
	defer sm.cfgMu.RUnlock()
	return sm.cfg.TrickleICE
}

func (sm *StateMachine) initRetryThreshold() time.Duration {
	sm.cfgMu.RLock()
	defer sm.cfgMu.RUnlock()
	return sm.cfg.InitRetryThreshold
}

// RefreshKnownAgents feeds room membership observed by roomanchor.Anchor into
// the liveness protocol's known-agents table: every current member is marked
// known.
func (sm *StateMachine) RefreshKnownAgents(members []identity.PubKey) {
	sm.liveness.RefreshKnownAgents(members, sm.cfg.AppVersion)
}

// Run subscribes to the transport and processes inbound signals strictly in
// arrival order until ctx is cancelled, alongside the liveness ping sweep.
func (sm *StateMachine) Run(ctx context.Context) {
	ch, cancel := sm.transport.Subscribe()
	defer cancel()

	go sm.liveness.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-ch:
			if !ok {
				return
			}
			sm.dispatch(ctx, in)
		}
	}
}

func (sm *StateMachine) dispatch(ctx context.Context, in signal.Inbound) {
	switch in.Type {
	case signal.TypePingUi:
		if msg, ok := in.Payload.(signal.PingUi); ok {
			sm.liveness.HandlePingUi(ctx, msg)
		}
	case signal.TypePongUi:
		if msg, ok := in.Payload.(signal.PongUi); ok {
			sm.handlePongUi(ctx, msg)
		}
	case signal.TypeInitRequest:
		if msg, ok := in.Payload.(signal.InitRequest); ok {
			sm.handleInitRequest(ctx, msg)
		}
	case signal.TypeInitAccept:
		if msg, ok := in.Payload.(signal.InitAccept); ok {
			sm.handleInitAccept(ctx, msg)
		}
	case signal.TypeSdpData:
		if msg, ok := in.Payload.(signal.SdpData); ok {
			sm.handleSdpData(ctx, msg)
		}
	default:
		log.Printf("engine: unknown signal type %q from %s", in.Type, in.From.Short())
	}
}

// --- MetadataSource (for liveness.Protocol) ---

// PingTargets implements liveness.MetadataSource.
func (sm *StateMachine) PingTargets() []identity.PubKey {
	known := sm.reg.KnownAgents()
	out := make([]identity.PubKey, 0, len(known))
	for p := range known {
		out = append(out, p)
	}
	return out
}

// IsBlocked implements liveness.MetadataSource.
func (sm *StateMachine) IsBlocked(peer identity.PubKey) bool { return sm.reg.IsBlocked(peer) }

// Metadata implements liveness.MetadataSource, assembling the PongMetaData
// snapshot sent with every pong.
func (sm *StateMachine) Metadata() signal.PongMetaData {
	meta := signal.PongMetaData{
		ConnectionStatuses:            statusMap(sm.reg, signal.FamilyVideo),
		ScreenShareConnectionStatuses: statusMap(sm.reg, signal.FamilyScreen),
		AppVersion:                    sm.cfg.AppVersion,
	}
	for p, info := range sm.reg.KnownAgents() {
		meta.KnownAgents = append(meta.KnownAgents, signal.KnownAgent{PubKey: p, AppVersion: info.AppVersion})
	}

	if main := sm.media.MainStream(); main != nil {
		info := &signal.StreamInfo{Stream: &signal.StreamActive{Active: true}}
		for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
			if t, ok := main.TrackOfKind(kind); ok {
				info.Tracks = append(info.Tracks, signal.TrackInfo{
					Kind:       string(kind),
					Enabled:    t.Enabled(),
					Muted:      !t.Enabled(),
					ReadyState: "live",
				})
			}
		}
		meta.StreamInfo = info
		audioOn := false
		videoOn := false
		if t, ok := main.TrackOfKind(media.KindAudio); ok {
			audioOn = t.Enabled()
		}
		if t, ok := main.TrackOfKind(media.KindVideo); ok {
			videoOn = t.Enabled()
		}
		meta.Audio = &audioOn
		meta.Video = &videoOn
	}
	return meta
}

func statusMap(reg *registry.Registry, f signal.Family) map[identity.PubKey]string {
	ocs := reg.OpenConnections(f)
	out := make(map[identity.PubKey]string, len(ocs))
	for peer := range ocs {
		out[peer] = string(reg.Status(f, peer).Kind)
	}
	return out
}

// --- PongUi business logic ---

func (sm *StateMachine) handlePongUi(ctx context.Context, pong signal.PongUi) {
	peer := pong.FromAgent
	if sm.reg.IsBlocked(peer) {
		return
	}
	meta, err := liveness.UnmarshalMeta(pong.MetaData)
	if err != nil {
		log.Printf("engine: pong metadata from %s: %v", peer.Short(), err)
		return
	}

	sm.reg.SetOthersStatus(peer, &registry.OthersStatus{
		LastUpdated:         time.Now(),
		Statuses:            meta.ConnectionStatuses,
		ScreenShareStatuses: meta.ScreenShareConnectionStatuses,
		KnownAgents:         meta.KnownAgents,
	})
	sm.liveness.MergeToldAgents(meta.KnownAgents)

	_, hasVideoOpen := sm.reg.OpenConnection(signal.FamilyVideo, peer)
	switch {
	case !hasVideoOpen && peer.Less(sm.cfg.Self):
		// 1: SELF > peer drives the handshake.
		sm.driveInit(ctx, signal.FamilyVideo, peer)
	case !hasVideoOpen:
		// 2: no connection, no pending init on our side — wait to be asked.
		st := sm.reg.Status(signal.FamilyVideo, peer)
		if st.Kind == registry.Disconnected {
			sm.reg.SetStatus(signal.FamilyVideo, peer, registry.Status{Kind: registry.AwaitingInit})
		}
	default:
		// 3: open connection — reconcile against their reported stream view.
		if oc, ok := sm.reg.OpenConnection(signal.FamilyVideo, peer); ok && meta.StreamInfo != nil {
			sm.reconciler.Reconcile(peer, oc.WebRTCPeer, *meta.StreamInfo)
		}
	}

	// 4: nudge a stale audio-on belief.
	if meta.Audio != nil && *meta.Audio && !sm.mainAudioEnabled() {
		if oc, ok := sm.reg.OpenConnection(signal.FamilyVideo, peer); ok {
			sendAction(oc.WebRTCPeer, signal.ActionAudioOff)
		}
	}

	// 5: drive the screen family if we're sharing and have no outgoing
	// session with this peer yet. PendingInits is keyed per family, so this
	// lookup only ever sees screen-family state — it cannot read back the
	// video family's pending inits by mistake.
	if sm.media.ScreenStream() != nil {
		if oc, ok := sm.reg.OpenConnection(signal.FamilyScreen, peer); !ok || oc.Direction != registry.DirOutgoing {
			sm.driveInit(ctx, signal.FamilyScreen, peer)
		}
	}
}

func (sm *StateMachine) mainAudioEnabled() bool {
	main := sm.media.MainStream()
	if main == nil {
		return false
	}
	t, ok := main.TrackOfKind(media.KindAudio)
	return ok && t.Enabled()
}

func sendAction(p media.PeerAttacher, action string) {
	b, err := json.Marshal(signal.RTCMessage{Type: "action", Message: action})
	if err != nil {
		return
	}
	_ = p.Send(string(b))
}

// driveInit implements the Disconnected/InitSent retry transitions shared by
// both families.
func (sm *StateMachine) driveInit(ctx context.Context, family signal.Family, peer identity.PubKey) {
	pending := sm.reg.PendingInits(family, peer)
	now := time.Now()

	if len(pending) > 0 {
		latest := pending[len(pending)-1]
		if now.Sub(latest.T0) <= sm.initRetryThreshold() {
			return // InitSent{k}, not yet time to retry
		}
	}

	cid := uuid.NewString()
	sm.reg.AddPendingInit(family, peer, &registry.PendingInit{ConnectionID: cid, T0: now})
	st := sm.reg.Status(family, peer)
	sm.reg.SetStatus(family, peer, registry.Status{Kind: registry.InitSent, Attempt: st.Attempt + 1})

	req := signal.InitRequest{FromAgent: sm.cfg.Self, ConnectionID: cid, ConnectionType: family}
	if err := sm.transport.Send(ctx, peer, req); err != nil {
		log.Printf("engine: send InitRequest to %s: %v", peer.Short(), err)
	}
}

// --- InitRequest / InitAccept / SdpData handlers ---

func (sm *StateMachine) handleInitRequest(ctx context.Context, req signal.InitRequest) {
	peer := req.FromAgent
	family := signal.FamilyOrDefault(req.ConnectionType)
	if sm.reg.IsBlocked(peer) {
		return
	}
	if family == signal.FamilyVideo && !sm.cfg.Self.Less(peer) {
		// Only the lexicographically lower identity accepts a video
		// handshake; the higher one always initiates.
		return
	}

	wp, err := sm.newPeer(false, peer, family, req.ConnectionID)
	if err != nil {
		sm.events.EmitError(fmt.Errorf("engine: responding peer for %s: %w", peer.Short(), err))
		return
	}

	sm.reg.AddPendingAccept(family, peer, &registry.PendingAccept{ConnectionID: req.ConnectionID, Peer: peer, WebRTCPeer: wp})
	st := sm.reg.Status(family, peer)
	sm.reg.SetStatus(family, peer, registry.Status{Kind: registry.AcceptSent, Attempt: st.Attempt + 1})

	acc := signal.InitAccept{FromAgent: sm.cfg.Self, ConnectionID: req.ConnectionID, ConnectionType: family}
	if err := sm.transport.Send(ctx, peer, acc); err != nil {
		log.Printf("engine: send InitAccept to %s: %v", peer.Short(), err)
	}
}

func (sm *StateMachine) handleInitAccept(ctx context.Context, acc signal.InitAccept) {
	peer := acc.FromAgent
	family := signal.FamilyOrDefault(acc.ConnectionType)

	var matched bool
	for _, p := range sm.reg.PendingInits(family, peer) {
		if p.ConnectionID == acc.ConnectionID {
			matched = true
			break
		}
	}
	if !matched {
		log.Printf("engine: InitAccept for unknown cid %s from %s", acc.ConnectionID, peer.Short())
		return
	}

	wp, err := sm.newPeer(true, peer, family, acc.ConnectionID)
	if err != nil {
		sm.events.EmitError(fmt.Errorf("engine: initiating peer for %s: %w", peer.Short(), err))
		return
	}

	dir := registry.DirDuplex
	if family == signal.FamilyScreen {
		dir = registry.DirOutgoing
	}
	sm.reg.SetOpenConnection(family, peer, &registry.OpenConnection{ConnectionID: acc.ConnectionID, Peer: peer, Direction: dir, WebRTCPeer: wp})
	sm.reg.ClearPendingInits(family, peer)
	st := sm.reg.Status(family, peer)
	sm.reg.SetStatus(family, peer, registry.Status{Kind: registry.SdpExchange, Attempt: st.Attempt})

	if err := wp.Negotiate(); err != nil {
		sm.events.EmitError(fmt.Errorf("engine: negotiate with %s: %w", peer.Short(), err))
	}
}

func (sm *StateMachine) handleSdpData(ctx context.Context, sd signal.SdpData) {
	peer := sd.FromAgent

	for _, family := range []signal.Family{signal.FamilyVideo, signal.FamilyScreen} {
		if oc, ok := sm.reg.OpenConnection(family, peer); ok && oc.ConnectionID == sd.ConnectionID {
			if err := oc.WebRTCPeer.Signal([]byte(sd.Data)); err != nil {
				log.Printf("engine: signal existing connection %s/%s: %v", peer.Short(), family, err)
			}
			return
		}
	}

	for _, family := range []signal.Family{signal.FamilyVideo, signal.FamilyScreen} {
		var matches bool
		for _, a := range sm.reg.PendingAccepts(family, peer) {
			if a.ConnectionID == sd.ConnectionID {
				matches = true
				break
			}
		}
		if !matches {
			continue
		}

		winner, losers := sm.reg.PromoteAccept(family, peer, sd.ConnectionID)
		for _, l := range losers {
			_ = l.WebRTCPeer.Destroy()
		}
		if winner == nil {
			continue
		}

		dir := registry.DirDuplex
		if family == signal.FamilyScreen {
			dir = registry.DirIncoming
		}
		sm.reg.SetOpenConnection(family, peer, &registry.OpenConnection{ConnectionID: sd.ConnectionID, Peer: peer, Direction: dir, WebRTCPeer: winner.WebRTCPeer})
		st := sm.reg.Status(family, peer)
		sm.reg.SetStatus(family, peer, registry.Status{Kind: registry.SdpExchange, Attempt: st.Attempt})

		if err := winner.WebRTCPeer.Signal([]byte(sd.Data)); err != nil {
			log.Printf("engine: signal promoted connection %s/%s: %v", peer.Short(), family, err)
		}
		return
	}

	log.Printf("engine: orphaned SdpData cid=%s from %s", sd.ConnectionID, peer.Short())
}

// newPeer constructs a webrtcpeer.Peer and wires its event callbacks into
// the registry, media engine, and event bus.
func (sm *StateMachine) newPeer(initiator bool, peer identity.PubKey, family signal.Family, cid string) (*webrtcpeer.Peer, error) {
	wp, err := webrtcpeer.New(webrtcpeer.Config{Initiator: initiator, ICEServers: sm.iceServers(), TrickleICE: sm.trickleICE()})
	if err != nil {
		return nil, err
	}

	wp.OnSignal(func(blob []byte) {
		sd := signal.SdpData{FromAgent: sm.cfg.Self, ConnectionID: cid, Data: string(blob)}
		if err := sm.transport.Send(context.Background(), peer, sd); err != nil {
			log.Printf("engine: send SdpData to %s: %v", peer.Short(), err)
		}
	})

	wp.OnConnect(func() {
		sm.reg.SetStatus(family, peer, registry.Status{Kind: registry.Connected, Attempt: sm.reg.Status(family, peer).Attempt})
		if oc, ok := sm.reg.OpenConnection(family, peer); ok {
			oc.Connected = true
		}
		if family == signal.FamilyVideo {
			if main := sm.media.MainStream(); main != nil {
				if err := wp.AddStream(main); err != nil {
					sm.events.EmitError(fmt.Errorf("engine: attach main stream to %s: %w", peer.Short(), err))
				}
			}
			sm.events.Emit(eventbus.PeerConnected, peer, cid, nil)
		} else {
			sm.events.Emit(eventbus.PeerScreenShareConnected, peer, cid, nil)
		}
	})

	wp.OnData(func(s string) {
		var msg signal.RTCMessage
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			log.Printf("engine: malformed RTCMessage from %s: %v", peer.Short(), err)
			return
		}
		if msg.Type != "action" {
			return
		}
		oc, ok := sm.reg.OpenConnection(family, peer)
		if !ok {
			return
		}
		switch msg.Message {
		case signal.ActionVideoOff:
			oc.Video = false
			sm.events.Emit(eventbus.PeerVideoOff, peer, cid, nil)
		case signal.ActionAudioOff:
			oc.Audio = false
			sm.events.Emit(eventbus.PeerAudioOff, peer, cid, nil)
		case signal.ActionAudioOn:
			oc.Audio = true
			sm.events.Emit(eventbus.PeerAudioOn, peer, cid, nil)
		}
	})

	wp.OnTrack(func(t *webrtc.TrackRemote) {
		if family == signal.FamilyVideo {
			sm.events.Emit(eventbus.PeerStream, peer, cid, t)
		} else {
			sm.events.Emit(eventbus.PeerScreenShareTrack, peer, cid, t)
		}
	})

	var closed sync.Once
	closeOnce := func() {
		closed.Do(func() {
			sm.reg.RemoveOpenConnection(family, peer)
			sm.reg.SetStatus(family, peer, registry.Status{Kind: registry.Disconnected})
			sm.media.ReleasePeer(peer)
			if family == signal.FamilyVideo {
				sm.events.Emit(eventbus.PeerDisconnected, peer, cid, nil)
			} else {
				sm.events.Emit(eventbus.PeerScreenShareDisconnected, peer, cid, nil)
			}
		})
	}
	wp.OnClose(closeOnce)
	wp.OnError(func(err error) {
		sm.events.EmitError(fmt.Errorf("engine: peer %s/%s: %w", peer.Short(), family, err))
	})

	return wp, nil
}

// videoPeers returns every connected video peer as a media.PeerAttacher,
// the shape media.Engine's toggle operations expect.
func (sm *StateMachine) videoPeers() map[identity.PubKey]media.PeerAttacher {
	out := make(map[identity.PubKey]media.PeerAttacher)
	for peer, oc := range sm.reg.OpenConnections(signal.FamilyVideo) {
		out[peer] = oc.WebRTCPeer
	}
	return out
}

// MyVideoOn starts local camera capture and attaches it to every connected
// video peer. Failures are reported asynchronously via the event bus rather
// than returned, matching media.Engine's contract.
func (sm *StateMachine) MyVideoOn() {
	sm.media.VideoOn(sm.videoPeers())
}

// MyVideoOff stops local camera capture.
func (sm *StateMachine) MyVideoOff() {
	sm.media.VideoOff(sm.videoPeers())
}

// MyAudioOn enables the local microphone track.
func (sm *StateMachine) MyAudioOn() {
	sm.media.AudioOn(sm.videoPeers())
}

// MyAudioOff disables the local microphone track, silencing every clone
// fanned out to peers.
func (sm *StateMachine) MyAudioOff() {
	sm.media.AudioOff(sm.videoPeers())
}

// MyScreenShareOn starts screen capture, attached to every connected screen
// peer.
func (sm *StateMachine) MyScreenShareOn() {
	screenPeers := make(map[identity.PubKey]media.PeerAttacher)
	for peer, oc := range sm.reg.OpenConnections(signal.FamilyScreen) {
		screenPeers[peer] = oc.WebRTCPeer
	}
	sm.media.ScreenShareOn(screenPeers)
}

// MyScreenShareOff stops screen capture and destroys every outgoing screen
// session, the only clean way to stop showing the screen to a peer.
func (sm *StateMachine) MyScreenShareOff() {
	sm.media.ScreenShareOff()
	for peer, oc := range sm.reg.OpenConnections(signal.FamilyScreen) {
		if oc.Direction == registry.DirOutgoing {
			sm.disconnectFamily(signal.FamilyScreen, peer)
		}
	}
}

// DisconnectFromPeerVideo destroys the video WebRTCPeer for peer, if any;
// the close path above cleans up registry and media state.
func (sm *StateMachine) DisconnectFromPeerVideo(peer identity.PubKey) {
	sm.disconnectFamily(signal.FamilyVideo, peer)
}

// DisconnectFromPeerScreen destroys the screen WebRTCPeer for peer, if any.
func (sm *StateMachine) DisconnectFromPeerScreen(peer identity.PubKey) {
	sm.disconnectFamily(signal.FamilyScreen, peer)
}

func (sm *StateMachine) disconnectFamily(family signal.Family, peer identity.PubKey) {
	if oc, ok := sm.reg.RemoveOpenConnection(family, peer); ok {
		_ = oc.WebRTCPeer.Destroy()
	}
	sm.reg.SetStatus(family, peer, registry.Status{Kind: registry.Disconnected})
}

// Block immediately disconnects both families with peer, then marks them
// Blocked so future inbound signals from peer are ignored.
func (sm *StateMachine) Block(peer identity.PubKey) {
	sm.DisconnectFromPeerVideo(peer)
	sm.DisconnectFromPeerScreen(peer)
	sm.reg.Block(peer)
}

// Disconnect tears down every peer and clears all media and registry state.
// The ping loop stops separately, when the caller cancels the ctx passed to
// Run.
func (sm *StateMachine) Disconnect() {
	for _, family := range []signal.Family{signal.FamilyVideo, signal.FamilyScreen} {
		for peer, oc := range sm.reg.OpenConnections(family) {
			_ = oc.WebRTCPeer.Destroy()
			sm.media.ReleasePeer(peer)
		}
	}
	sm.media.Shutdown()
	sm.reg.Reset()
}
