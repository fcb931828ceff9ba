// Package meshhost builds the libp2p host backing meshnet.Transport and
// roomanchor.Anchor: persistent Ed25519 identity plus LAN discovery via
// mDNS. Grounded on the teacher's p2p.Node bootstrap
// (internal/p2p/node.go: loadOrCreateKey, libp2p.New, mdns.NewMdnsService).
package meshhost

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/meshcall/meshcall/identity"
)

func init() {
	// Tame libp2p's own swarm/relay chatter so it doesn't drown the
	// engine's signaling logs.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

// Host bundles a libp2p host with its GossipSub router, since meshnet and
// roomanchor both need one built from the same node.
type Host struct {
	Host  host.Host
	PS    *pubsub.PubSub
	Self  identity.PubKey
	mdns  mdnsCloser
}

type mdnsCloser interface{ Close() error }

// loadOrCreateKey loads a persistent Ed25519 identity key from disk, or
// generates and saves a new one on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("meshhost: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5_000_000_000) // 5s
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Printf("meshhost: connect to discovered peer %s: %v", pi.ID, err)
	}
}

// New loads or creates the identity key at keyFile, starts a libp2p host
// listening on listenPort, enables LAN discovery tagged mdnsTag, and joins
// GossipSub.
func New(ctx context.Context, keyFile string, listenPort int, mdnsTag string) (*Host, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("meshhost: generated new identity key: %s", keyFile)
	} else {
		log.Printf("meshhost: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	svc := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := svc.Start(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("meshhost: start mdns: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("meshhost: gossipsub: %w", err)
	}

	self := identity.FromLibp2p(h.ID())
	log.Printf("meshhost: peer id %s", self.Short())

	return &Host{Host: h, PS: ps, Self: self, mdns: svc}, nil
}

// Close shuts down mDNS and the libp2p host.
func (h *Host) Close() error {
	_ = h.mdns.Close()
	return h.Host.Close()
}
