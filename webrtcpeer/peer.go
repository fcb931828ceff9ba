// Package webrtcpeer implements a per-session WebRTC endpoint wrapping
// github.com/pion/webrtc/v4, grounded on the teacher's call.Session
// (internal/call/session.go).
package webrtcpeer

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/meshcall/meshcall/media"
)

// ICEServers are the default STUN servers used when Config.ICEServers is
// nil. Callers may extend this list with TURN servers via Config.ICEServers.
var ICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:global.stun.twilio.com:3478"}},
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Config configures a new Peer. TrickleICE is accepted but not consulted:
// local ICE candidates are always sent one by one as they are gathered.
type Config struct {
	Initiator  bool
	ICEServers []webrtc.ICEServer
	TrickleICE bool
}

// Peer wraps one WebRTC PeerConnection together with its datachannel,
// exposing signal/addStream/removeStream/addTrack/removeTrack/send/destroy
// and a signal/data/track/connect/close/error callback set. No separate
// stream event is raised; remote media arrives only through OnTrack.
type Peer struct {
	initiator bool

	mu  sync.Mutex
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	dcReady bool
	pendingSends []string

	remoteDescSet bool
	pendingICE    []webrtc.ICECandidateInit

	onSignal  func(blob []byte)
	onData    func(s string)
	onStream  func(s *media.Stream)
	onTrack   func(t *webrtc.TrackRemote)
	onConnect func()
	onClose   func()
	onError   func(err error)

	closed bool
}

// signalBlob is the opaque JSON envelope exchanged over SdpData.Data,
// mirroring the offer/answer/candidate union used by `simple-peer`-style
// WebRTC wrapper libraries.
type signalBlob struct {
	Type      string                     `json:"type"` // "offer" | "answer" | "candidate"
	SDP       string                     `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// New constructs a Peer and wires up the underlying PeerConnection. Local
// tracks, if any already exist, are attached by the caller
// (engine.StateMachine) as the connection moves from SdpExchange to
// Connected.
func New(cfg Config) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := webrtc.RegisterDefaultCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("webrtcpeer: register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("webrtcpeer: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	// Generous ICE timeouts so a brief relay/NAT hiccup doesn't tear down
	// the session — same rationale as call/media_linux.go.
	se.SetICETimeouts(30_000_000_000, 120_000_000_000, 2_000_000_000)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	servers := cfg.ICEServers
	if servers == nil {
		servers = ICEServers
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: new peer connection: %w", err)
	}

	p := &Peer{initiator: cfg.Initiator, pc: pc}

	pc.OnICECandidate(p.handleLocalICECandidate)
	pc.OnConnectionStateChange(p.handleConnectionStateChange)
	pc.OnTrack(p.handleTrack)

	if cfg.Initiator {
		dc, err := pc.CreateDataChannel("meshcall", nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("webrtcpeer: create data channel: %w", err)
		}
		p.attachDataChannel(dc)
	} else {
		pc.OnDataChannel(p.attachDataChannel)
	}

	return p, nil
}

// Underlying exposes the wrapped PeerConnection. media.Engine does not use
// it; it attaches media through AddStream/AddTrack/RemoveStream/RemoveTrack.
func (p *Peer) Underlying() *webrtc.PeerConnection { return p.pc }

func (p *Peer) attachDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		p.dcReady = true
		pending := p.pendingSends
		p.pendingSends = nil
		p.mu.Unlock()
		for _, s := range pending {
			if err := dc.SendText(s); err != nil {
				log.Printf("webrtcpeer: flush pending send: %v", err)
			}
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.onData != nil {
			p.onData(string(msg.Data))
		}
	})
}

// OnSignal registers the callback fired when a local SDP/ICE blob is ready
// to be sent to the remote peer via SdpData.
func (p *Peer) OnSignal(fn func(blob []byte)) { p.onSignal = fn }

// OnData registers the datachannel message callback.
func (p *Peer) OnData(fn func(s string)) { p.onData = fn }

// OnTrack registers the remote-track callback.
func (p *Peer) OnTrack(fn func(t *webrtc.TrackRemote)) { p.onTrack = fn }

// OnConnect registers the callback fired once the underlying connection
// reaches PeerConnectionStateConnected.
func (p *Peer) OnConnect(fn func()) { p.onConnect = fn }

// OnClose registers the callback fired on close or error; both are treated
// identically.
func (p *Peer) OnClose(fn func()) { p.onClose = fn }

// OnError registers the error callback.
func (p *Peer) OnError(fn func(err error)) { p.onError = fn }

func (p *Peer) handleConnectionStateChange(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if p.onConnect != nil {
			p.onConnect()
		}
	case webrtc.PeerConnectionStateFailed:
		if p.onError != nil {
			p.onError(fmt.Errorf("webrtcpeer: connection failed"))
		}
		if p.onClose != nil {
			p.onClose()
		}
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		if p.onClose != nil {
			p.onClose()
		}
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if p.onTrack != nil {
		p.onTrack(track)
	}
}

func (p *Peer) handleLocalICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // ICE gathering complete
	}
	init := c.ToJSON()
	p.emitSignal(signalBlob{Type: "candidate", Candidate: &init})
}

func (p *Peer) emitSignal(blob signalBlob) {
	b, err := json.Marshal(blob)
	if err != nil {
		log.Printf("webrtcpeer: marshal signal: %v", err)
		return
	}
	if p.onSignal != nil {
		p.onSignal(b)
	}
}

// Negotiate creates and emits the local offer. Only the initiator side
// calls this, driven by engine.StateMachine once both sides agree on a
// connection ID.
func (p *Peer) Negotiate() error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtcpeer: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtcpeer: set local description (offer): %w", err)
	}
	p.emitSignal(signalBlob{Type: "offer", SDP: offer.SDP})
	return nil
}

// Signal feeds an inbound opaque SDP/ICE blob. It dispatches on the blob's
// own "type" field — unrelated to the outer SdpData envelope's
// ConnectionID, which the caller has already matched before reaching here.
func (p *Peer) Signal(blob []byte) error {
	var sb signalBlob
	if err := json.Unmarshal(blob, &sb); err != nil {
		return fmt.Errorf("webrtcpeer: unmarshal signal: %w", err)
	}

	switch sb.Type {
	case "offer":
		return p.handleOffer(sb.SDP)
	case "answer":
		return p.handleAnswer(sb.SDP)
	case "candidate":
		if sb.Candidate != nil {
			p.addICECandidate(*sb.Candidate)
		}
		return nil
	default:
		return fmt.Errorf("webrtcpeer: unknown signal type %q", sb.Type)
	}
}

func (p *Peer) handleOffer(sdp string) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("webrtcpeer: set remote description (offer): %w", err)
	}
	p.flushPendingICE()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("webrtcpeer: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("webrtcpeer: set local description (answer): %w", err)
	}
	p.emitSignal(signalBlob{Type: "answer", SDP: answer.SDP})
	return nil
}

func (p *Peer) handleAnswer(sdp string) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("webrtcpeer: set remote description (answer): %w", err)
	}
	p.flushPendingICE()
	return nil
}

func (p *Peer) flushPendingICE() {
	p.mu.Lock()
	p.remoteDescSet = true
	pending := p.pendingICE
	p.pendingICE = nil
	pc := p.pc
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("webrtcpeer: add buffered ICE candidate: %v", err)
		}
	}
}

func (p *Peer) addICECandidate(init webrtc.ICECandidateInit) {
	p.mu.Lock()
	if !p.remoteDescSet {
		p.pendingICE = append(p.pendingICE, init)
		p.mu.Unlock()
		return
	}
	pc := p.pc
	p.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		log.Printf("webrtcpeer: add ICE candidate: %v", err)
	}
}

// AddStream attaches every track of s to the connection.
func (p *Peer) AddStream(s *media.Stream) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	for _, t := range s.Tracks() {
		if _, err := pc.AddTrack(t.Local()); err != nil {
			return fmt.Errorf("webrtcpeer: add track: %w", err)
		}
	}
	return nil
}

// RemoveStream removes every track of s from the connection, best-effort.
func (p *Peer) RemoveStream(s *media.Stream) {
	p.mu.Lock()
	pc := p.pc
	senders := pc.GetSenders()
	p.mu.Unlock()

	for _, t := range s.Tracks() {
		for _, sender := range senders {
			if sender.Track() == t.Local() {
				_ = pc.RemoveTrack(sender)
			}
		}
	}
}

// AddTrack adds a single track associated with stream s.
func (p *Peer) AddTrack(t *media.LocalTrack, s *media.Stream) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if _, err := pc.AddTrack(t.Local()); err != nil {
		return fmt.Errorf("webrtcpeer: add track: %w", err)
	}
	return nil
}

// RemoveTrack removes a single track, best-effort.
func (p *Peer) RemoveTrack(t *media.LocalTrack) {
	p.mu.Lock()
	pc := p.pc
	senders := pc.GetSenders()
	p.mu.Unlock()

	for _, sender := range senders {
		if sender.Track() == t.Local() {
			_ = pc.RemoveTrack(sender)
		}
	}
}

// Send writes s on the datachannel, buffering until OnOpen fires if the
// channel isn't ready yet.
func (p *Peer) Send(s string) error {
	p.mu.Lock()
	dc := p.dc
	ready := p.dcReady
	if !ready {
		p.pendingSends = append(p.pendingSends, s)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("webrtcpeer: no data channel")
	}
	return dc.SendText(s)
}

// Destroy tears down the connection. Idempotent.
func (p *Peer) Destroy() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pc := p.pc
	p.mu.Unlock()

	return pc.Close()
}
