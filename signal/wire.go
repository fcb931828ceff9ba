// Package signal defines the remote-signal wire protocol and the Transport
// seam the engine uses to send and receive it. The wire format mirrors the
// teacher's MQ envelope (internal/mq/protocol.go, internal/mq/topics.go): a
// typed JSON union routed by a "type" field, with per-kind payload structs.
package signal

import "github.com/meshcall/meshcall/identity"

// Family distinguishes the two parallel connection kinds a pair of peers can
// negotiate: a duplex video/audio call and a one-way screen share.
type Family string

const (
	FamilyVideo  Family = "video"
	FamilyScreen Family = "screen"
)

// Message type tags.
const (
	TypePingUi      = "PingUi"
	TypePongUi      = "PongUi"
	TypeInitRequest = "InitRequest"
	TypeInitAccept  = "InitAccept"
	TypeSdpData     = "SdpData"
)

// Envelope is the common shape every inbound/outbound signal carries: a type
// tag plus the sender's identity, exactly as mq.Envelope wraps From/Payload.
type Envelope struct {
	Type      string          `json:"type"`
	FromAgent identity.PubKey `json:"from_agent"`
	Payload   any             `json:"-"`
}

// PingUi is a liveness probe.
type PingUi struct {
	FromAgent identity.PubKey `json:"from_agent"`
}

// PongUi responds to a PingUi, carrying a JSON-encoded PongMetaData in
// MetaData — kept as an opaque string on the wire so old and new peers
// degrade gracefully on unknown fields.
type PongUi struct {
	FromAgent identity.PubKey `json:"from_agent"`
	MetaData  string          `json:"meta_data"`
}

// InitRequest starts a handshake for ConnectionID on the given family.
// ConnectionType is always set by this engine, but older peers never sent
// it; for backward compatibility an absent value is treated as video.
type InitRequest struct {
	FromAgent      identity.PubKey `json:"from_agent"`
	ConnectionID   string          `json:"connection_id"`
	ConnectionType Family          `json:"connection_type,omitempty"`
}

// InitAccept accepts a pending InitRequest for ConnectionID.
type InitAccept struct {
	FromAgent      identity.PubKey `json:"from_agent"`
	ConnectionID   string          `json:"connection_id"`
	ConnectionType Family          `json:"connection_type,omitempty"`
}

// SdpData carries an opaque SDP/ICE blob for ConnectionID. The engine never
// parses Data; it is forwarded verbatim to the matching WebRTCPeer.
type SdpData struct {
	FromAgent    identity.PubKey `json:"from_agent"`
	ConnectionID string          `json:"connection_id"`
	Data         string          `json:"data"`
}

// FamilyOrDefault returns f, or FamilyVideo if f is empty, so a
// connection_type omitted by an older peer defaults to video.
func FamilyOrDefault(f Family) Family {
	if f == "" {
		return FamilyVideo
	}
	return f
}

// PongMetaData v1 is carried JSON-encoded inside PongUi.MetaData.
type PongMetaData struct {
	ConnectionStatuses            map[identity.PubKey]string `json:"connectionStatuses,omitempty"`
	ScreenShareConnectionStatuses map[identity.PubKey]string `json:"screenShareConnectionStatuses,omitempty"`
	KnownAgents                   []KnownAgent                `json:"knownAgents,omitempty"`
	AppVersion                    string                       `json:"appVersion,omitempty"`
	StreamInfo                    *StreamInfo                  `json:"streamInfo,omitempty"`
	Audio                         *bool                        `json:"audio,omitempty"`
	Video                         *bool                        `json:"video,omitempty"`
}

// KnownAgent is one entry of a peer's self-reported known-agents set, used
// to propagate discovery of peers neither side has talked to directly yet.
type KnownAgent struct {
	PubKey     identity.PubKey `json:"pubKey"`
	AppVersion string          `json:"appVersion,omitempty"`
}

// StreamInfo is the remote peer's self-reported view of the stream they
// receive from us. Stream is nil when they believe no stream is attached
// at all.
type StreamInfo struct {
	Stream *StreamActive  `json:"stream"`
	Tracks []TrackInfo    `json:"tracks,omitempty"`
}

// StreamActive marks that the remote peer sees an active (non-null) stream.
type StreamActive struct {
	Active bool `json:"active"`
}

// TrackInfo describes one track as seen by the remote peer.
type TrackInfo struct {
	Kind        string `json:"kind"` // "audio" | "video"
	Enabled     bool   `json:"enabled"`
	Muted       bool   `json:"muted"`
	ReadyState  string `json:"readyState"`
}

// RTCMessage is a datachannel message: either an action with a fixed
// vocabulary, or free-form text.
type RTCMessage struct {
	Type    string `json:"type"` // "action" | "text"
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
}

const (
	ActionVideoOff = "video-off"
	ActionAudioOff = "audio-off"
	ActionAudioOn  = "audio-on"
)
