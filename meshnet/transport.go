// Package meshnet implements signal.Transport over libp2p streams, the
// concrete transport that carries the engine's signal envelopes between
// peers over the room's libp2p swarm. Grounded on the teacher's mq.Manager
// stream-per-message protocol (internal/mq/manager.go), simplified to
// fire-and-forget since signal.Transport is explicitly allowed to lose or
// delay signals.
package meshnet

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/signal"
)

// ProtoID is the libp2p protocol ID carrying meshcall's signal envelopes.
const ProtoID = "/meshcall/signal/1.0.0"

const writeTimeout = 10 * time.Second

// wireEnvelope is the on-the-wire shape: a type tag plus the raw payload,
// decoded into the concrete signal.* struct named by Type.
type wireEnvelope struct {
	Type      string          `json:"type"`
	FromAgent identity.PubKey `json:"from_agent"`
	Payload   json.RawMessage `json:"payload"`
}

// Transport implements signal.Transport over a libp2p host, opening one
// stream per outbound message (libp2p multiplexes these over the existing
// connection, same as mq.Manager.Send).
type Transport struct {
	host host.Host
	self identity.PubKey

	mu        sync.Mutex
	listeners []chan signal.Inbound
}

// New registers the signal protocol handler on h and returns a Transport.
func New(h host.Host, self identity.PubKey) *Transport {
	t := &Transport{host: h, self: self}
	h.SetStreamHandler(protocol.ID(ProtoID), t.handleIncoming)
	log.Printf("meshnet: registered handler for %s", ProtoID)
	return t
}

// Send implements signal.Transport.
func (t *Transport) Send(ctx context.Context, p identity.PubKey, msg any) error {
	pid, err := peer.Decode(p.String())
	if err != nil {
		return fmt.Errorf("meshnet: invalid peer id %q: %w", p, err)
	}

	typ, err := typeOf(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("meshnet: marshal payload: %w", err)
	}
	env := wireEnvelope{Type: typ, FromAgent: t.self, Payload: payload}

	stream, err := t.host.NewStream(ctx, pid, protocol.ID(ProtoID))
	if err != nil {
		return fmt.Errorf("meshnet: open stream to %s: %w", p.Short(), err)
	}
	defer stream.Close()

	_ = stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := json.NewEncoder(stream).Encode(env); err != nil {
		return fmt.Errorf("meshnet: encode envelope: %w", err)
	}
	return nil
}

func typeOf(msg any) (string, error) {
	switch msg.(type) {
	case signal.PingUi:
		return signal.TypePingUi, nil
	case signal.PongUi:
		return signal.TypePongUi, nil
	case signal.InitRequest:
		return signal.TypeInitRequest, nil
	case signal.InitAccept:
		return signal.TypeInitAccept, nil
	case signal.SdpData:
		return signal.TypeSdpData, nil
	default:
		return "", fmt.Errorf("meshnet: unknown message type %T", msg)
	}
}

// Subscribe implements signal.Transport.
func (t *Transport) Subscribe() (<-chan signal.Inbound, func()) {
	t.mu.Lock()
	ch := make(chan signal.Inbound, 64)
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, l := range t.listeners {
			if l == ch {
				close(l)
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (t *Transport) handleIncoming(stream network.Stream) {
	defer stream.Close()

	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var env wireEnvelope
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&env); err != nil {
		log.Printf("meshnet: decode envelope: %v", err)
		return
	}

	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		log.Printf("meshnet: decode payload type=%s: %v", env.Type, err)
		return
	}

	in := signal.Inbound{From: env.FromAgent, Type: env.Type, Payload: payload}

	t.mu.Lock()
	listeners := append([]chan signal.Inbound{}, t.listeners...)
	t.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- in:
		default:
			log.Printf("meshnet: listener backlogged, dropping %s from %s", env.Type, env.FromAgent.Short())
		}
	}
}

func decodePayload(typ string, raw json.RawMessage) (any, error) {
	switch typ {
	case signal.TypePingUi:
		var m signal.PingUi
		err := json.Unmarshal(raw, &m)
		return m, err
	case signal.TypePongUi:
		var m signal.PongUi
		err := json.Unmarshal(raw, &m)
		return m, err
	case signal.TypeInitRequest:
		var m signal.InitRequest
		err := json.Unmarshal(raw, &m)
		return m, err
	case signal.TypeInitAccept:
		var m signal.InitAccept
		err := json.Unmarshal(raw, &m)
		return m, err
	case signal.TypeSdpData:
		var m signal.SdpData
		err := json.Unmarshal(raw, &m)
		return m, err
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}
