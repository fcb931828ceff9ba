// Package registry tracks per-peer, per-family connection state: pending
// inits, pending accepts, open connections, status, and the blocklist, with
// update methods that enforce the engine's connection-lifecycle invariants.
// Grounded on the teacher's observable-container pattern
// (internal/state/peers.go PeerTable).
package registry

import (
	"sync"
	"time"

	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/signal"
	"github.com/meshcall/meshcall/webrtcpeer"
)

// StatusKind is one of the per-peer, per-family connection states.
type StatusKind string

const (
	Disconnected StatusKind = "Disconnected"
	Blocked      StatusKind = "Blocked"
	AwaitingInit StatusKind = "AwaitingInit"
	InitSent     StatusKind = "InitSent"
	AcceptSent   StatusKind = "AcceptSent"
	SdpExchange  StatusKind = "SdpExchange"
	Connected    StatusKind = "Connected"
)

// Direction classifies an OpenConnection by who initiated it.
type Direction string

const (
	DirOutgoing Direction = "outgoing"
	DirIncoming Direction = "incoming"
	DirDuplex   Direction = "duplex"
)

// Status is a per-peer, per-family connection status with its attempt
// counter, which increments on each InitSent/AcceptSent and is never reset
// on success, even once a connection goes Connected.
type Status struct {
	Kind    StatusKind
	Attempt int
}

// PendingInit is an init we sent, awaiting accept.
type PendingInit struct {
	ConnectionID string
	T0           time.Time
}

// PendingAccept is an accept we sent, with the responding WebRTCPeer already
// constructed.
type PendingAccept struct {
	ConnectionID string
	Peer         identity.PubKey
	WebRTCPeer   *webrtcpeer.Peer
}

// OpenConnection is a session that progressed past accept.
type OpenConnection struct {
	ConnectionID string
	Peer         identity.PubKey
	Video        bool
	Audio        bool
	Connected    bool
	Direction    Direction
	WebRTCPeer   *webrtcpeer.Peer
}

// AgentType distinguishes how a peer was learned about.
type AgentType string

const (
	AgentKnown AgentType = "known"
	AgentTold  AgentType = "told"
)

// AgentInfo is one entry of the known-agents table.
type AgentInfo struct {
	PubKey     identity.PubKey
	Type       AgentType
	LastSeen   time.Time
	AppVersion string
}

// OthersStatus is what a peer last told us about themselves via PongUi.
type OthersStatus struct {
	LastUpdated           time.Time
	Statuses              map[identity.PubKey]string
	ScreenShareStatuses   map[identity.PubKey]string
	KnownAgents           []signal.KnownAgent
}

// familyState holds the three maps for one connection family.
type familyState struct {
	pendingInits    map[identity.PubKey][]*PendingInit
	pendingAccepts  map[identity.PubKey][]*PendingAccept
	openConnections map[identity.PubKey]*OpenConnection
	statuses        map[identity.PubKey]*Status
}

func newFamilyState() *familyState {
	return &familyState{
		pendingInits:    make(map[identity.PubKey][]*PendingInit),
		pendingAccepts:  make(map[identity.PubKey][]*PendingAccept),
		openConnections: make(map[identity.PubKey]*OpenConnection),
		statuses:        make(map[identity.PubKey]*Status),
	}
}

// Registry holds the connection and presence state the engine dispatches
// against. The engine's single-threaded dispatch loop is the only mutator;
// the mutex exists so snapshot reads from other goroutines (debugsrv,
// tests) never race it.
type Registry struct {
	mu sync.Mutex

	families map[signal.Family]*familyState

	othersStatuses map[identity.PubKey]*OthersStatus
	knownAgents    map[identity.PubKey]*AgentInfo
	blocklist      map[identity.PubKey]struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		families: map[signal.Family]*familyState{
			signal.FamilyVideo:  newFamilyState(),
			signal.FamilyScreen: newFamilyState(),
		},
		othersStatuses: make(map[identity.PubKey]*OthersStatus),
		knownAgents:    make(map[identity.PubKey]*AgentInfo),
		blocklist:      make(map[identity.PubKey]struct{}),
	}
}

func (r *Registry) family(f signal.Family) *familyState {
	fs, ok := r.families[f]
	if !ok {
		fs = newFamilyState()
		r.families[f] = fs
	}
	return fs
}

// Status returns a copy of the current status for peer/family, defaulting
// to Disconnected for a peer never seen before.
func (r *Registry) Status(f signal.Family, peer identity.PubKey) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.family(f).statuses[peer]; ok {
		return *s
	}
	return Status{Kind: Disconnected}
}

// SetStatus replaces the status wholesale rather than mutating the existing
// value in place.
func (r *Registry) SetStatus(f signal.Family, peer identity.PubKey, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.family(f).statuses[peer] = &cp
}

// InitStatusIfAbsent sets a peer's status to Blocked or Disconnected the
// first time it is observed.
func (r *Registry) InitStatusIfAbsent(f signal.Family, peer identity.PubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs := r.family(f)
	if _, ok := fs.statuses[peer]; ok {
		return
	}
	kind := Disconnected
	if _, blocked := r.blocklist[peer]; blocked {
		kind = Blocked
	}
	fs.statuses[peer] = &Status{Kind: kind}
}

// AddPendingInit appends a PendingInit. Keeping an open connection and
// pending inits mutually exclusive is the caller's responsibility at the
// state-machine layer; this just records it.
func (r *Registry) AddPendingInit(f signal.Family, peer identity.PubKey, p *PendingInit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs := r.family(f)
	fs.pendingInits[peer] = append(fs.pendingInits[peer], p)
}

// PendingInits returns a snapshot of the pending inits for peer/family.
func (r *Registry) PendingInits(f signal.Family, peer identity.PubKey) []*PendingInit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*PendingInit{}, r.family(f).pendingInits[peer]...)
}

// ClearPendingInits empties the pending-init list for peer/family.
func (r *Registry) ClearPendingInits(f signal.Family, peer identity.PubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.family(f).pendingInits, peer)
}

// AddPendingAccept appends a PendingAccept. A peer/family may hold multiple
// pending accepts concurrently, one per competing connection attempt.
func (r *Registry) AddPendingAccept(f signal.Family, peer identity.PubKey, p *PendingAccept) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs := r.family(f)
	fs.pendingAccepts[peer] = append(fs.pendingAccepts[peer], p)
}

// PendingAccepts returns a snapshot of the pending accepts for peer/family.
func (r *Registry) PendingAccepts(f signal.Family, peer identity.PubKey) []*PendingAccept {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*PendingAccept{}, r.family(f).pendingAccepts[peer]...)
}

// PromoteAccept finds the PendingAccept matching cid and removes it along
// with every sibling accept for peer. The caller is responsible for
// destroying the losing WebRTCPeers it gets back; the first matching
// SdpData wins and every other pending accept for that peer is discarded.
func (r *Registry) PromoteAccept(f signal.Family, peer identity.PubKey, cid string) (*PendingAccept, []*PendingAccept) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs := r.family(f)
	accepts := fs.pendingAccepts[peer]

	var winner *PendingAccept
	var losers []*PendingAccept
	for _, a := range accepts {
		if a.ConnectionID == cid {
			winner = a
		} else {
			losers = append(losers, a)
		}
	}
	delete(fs.pendingAccepts, peer)
	return winner, losers
}

// SetOpenConnection installs an OpenConnection, replacing any prior value —
// there is at most one open connection per peer/family.
func (r *Registry) SetOpenConnection(f signal.Family, peer identity.PubKey, c *OpenConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.family(f).openConnections[peer] = c
}

// OpenConnection returns the current open connection for peer/family, if any.
func (r *Registry) OpenConnection(f signal.Family, peer identity.PubKey) (*OpenConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.family(f).openConnections[peer]
	return c, ok
}

// RemoveOpenConnection drops the open connection for peer/family, if any,
// and returns it, e.g. on close, error, teardown, or blocklisting.
func (r *Registry) RemoveOpenConnection(f signal.Family, peer identity.PubKey) (*OpenConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs := r.family(f)
	c, ok := fs.openConnections[peer]
	if ok {
		delete(fs.openConnections, peer)
	}
	return c, ok
}

// OpenConnections returns a snapshot of every open connection for family.
func (r *Registry) OpenConnections(f signal.Family) map[identity.PubKey]*OpenConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[identity.PubKey]*OpenConnection, len(r.family(f).openConnections))
	for k, v := range r.family(f).openConnections {
		cp[k] = v
	}
	return cp
}

// SetOthersStatus records what peer last told us about itself.
func (r *Registry) SetOthersStatus(peer identity.PubKey, s *OthersStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.othersStatuses[peer] = s
}

// OthersStatus returns what peer last told us about itself, if known.
func (r *Registry) OthersStatus(peer identity.PubKey) (*OthersStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.othersStatuses[peer]
	return s, ok
}

// MarkKnown records a peer observed directly in the room anchor, upgrading
// a prior "told" entry.
func (r *Registry) MarkKnown(peer identity.PubKey, appVersion string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knownAgents[peer] = &AgentInfo{PubKey: peer, Type: AgentKnown, LastSeen: time.Now(), AppVersion: appVersion}
}

// MarkTold records a peer learned only via hearsay, unless already known.
// A told entry upgrades to known on direct observation, but never the
// other way around.
func (r *Registry) MarkTold(peer identity.PubKey, appVersion string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.knownAgents[peer]; ok && existing.Type == AgentKnown {
		return
	}
	r.knownAgents[peer] = &AgentInfo{PubKey: peer, Type: AgentTold, LastSeen: time.Now(), AppVersion: appVersion}
}

// KnownAgents returns a snapshot of the known-agents table.
func (r *Registry) KnownAgents() map[identity.PubKey]AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[identity.PubKey]AgentInfo, len(r.knownAgents))
	for k, v := range r.knownAgents {
		cp[k] = *v
	}
	return cp
}

// Block adds peer to the blocklist and forces its video/screen status to
// Blocked.
func (r *Registry) Block(peer identity.PubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocklist[peer] = struct{}{}
	for _, f := range []signal.Family{signal.FamilyVideo, signal.FamilyScreen} {
		r.family(f).statuses[peer] = &Status{Kind: Blocked}
	}
}

// IsBlocked reports whether peer is on the blocklist.
func (r *Registry) IsBlocked(peer identity.PubKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocklist[peer]
	return ok
}

// Blocklist returns a snapshot of every blocked peer, for persistence under
// the "blockedAgents" key.
func (r *Registry) Blocklist() []identity.PubKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.PubKey, 0, len(r.blocklist))
	for p := range r.blocklist {
		out = append(out, p)
	}
	return out
}

// Snapshot is a read-only rendering of the registry for diagnostics
// (debugsrv's /api/debug/state).
type Snapshot struct {
	Video       FamilySnapshot                       `json:"video"`
	Screen      FamilySnapshot                       `json:"screen"`
	KnownAgents map[identity.PubKey]AgentInfo        `json:"known_agents"`
	Blocklist   []identity.PubKey                     `json:"blocklist"`
}

// FamilySnapshot is the per-family slice of a Snapshot.
type FamilySnapshot struct {
	Statuses        map[identity.PubKey]Status         `json:"statuses"`
	OpenConnections map[identity.PubKey]OpenConnection `json:"open_connections"`
}

func (r *Registry) snapshotFamily(f signal.Family) FamilySnapshot {
	fs := r.family(f)
	statuses := make(map[identity.PubKey]Status, len(fs.statuses))
	for k, v := range fs.statuses {
		statuses[k] = *v
	}
	open := make(map[identity.PubKey]OpenConnection, len(fs.openConnections))
	for k, v := range fs.openConnections {
		open[k] = *v
	}
	return FamilySnapshot{Statuses: statuses, OpenConnections: open}
}

// Snapshot renders the entire registry for diagnostics. Safe for concurrent
// use from any goroutine.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[identity.PubKey]AgentInfo, len(r.knownAgents))
	for k, v := range r.knownAgents {
		known[k] = *v
	}
	blocked := make([]identity.PubKey, 0, len(r.blocklist))
	for p := range r.blocklist {
		blocked = append(blocked, p)
	}

	return Snapshot{
		Video:       r.snapshotFamily(signal.FamilyVideo),
		Screen:      r.snapshotFamily(signal.FamilyScreen),
		KnownAgents: known,
		Blocklist:   blocked,
	}
}

// Reset clears every map, leaving the registry as if newly constructed.
// Called after a full Disconnect.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families = map[signal.Family]*familyState{
		signal.FamilyVideo:  newFamilyState(),
		signal.FamilyScreen: newFamilyState(),
	}
	r.othersStatuses = make(map[identity.PubKey]*OthersStatus)
	r.knownAgents = make(map[identity.PubKey]*AgentInfo)
	r.blocklist = make(map[identity.PubKey]struct{})
}
