// Package roomanchor implements the room membership anchor: a libp2p-pubsub
// topic peers announce themselves on and subscribe to, feeding
// liveness.Protocol's known-agents refresh. Grounded on the teacher's
// p2p.Node presence topic (internal/p2p/node.go: pubsub.NewGossipSub,
// topic.Subscribe, periodic announce).
package roomanchor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/meshcall/meshcall/identity"
)

const (
	announceInterval = 5 * time.Second
	memberTTL        = 20 * time.Second
)

type presenceMsg struct {
	PubKey     identity.PubKey `json:"pub_key"`
	AppVersion string          `json:"app_version"`
}

// Anchor is the room membership anchor: a gossipsub topic named after the
// room, carrying periodic presence announcements.
type Anchor struct {
	self       identity.PubKey
	appVersion string

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu       sync.Mutex
	members  map[identity.PubKey]time.Time
	onChange func([]identity.PubKey)

	cancel context.CancelFunc
}

// Join starts a GossipSub subscription on roomTopic and begins announcing
// self's presence every announceInterval. onChange fires on every observed
// membership change, so the caller can mark each pulled peer as known.
func Join(ctx context.Context, h host.Host, ps *pubsub.PubSub, roomTopic string, self identity.PubKey, appVersion string, onChange func([]identity.PubKey)) (*Anchor, error) {
	topic, err := ps.Join(roomTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a := &Anchor{
		self:       self,
		appVersion: appVersion,
		topic:      topic,
		sub:        sub,
		members:    make(map[identity.PubKey]time.Time),
		onChange:   onChange,
		cancel:     cancel,
	}

	go a.readLoop(runCtx)
	go a.announceLoop(runCtx)
	go a.pruneLoop(runCtx)

	return a, nil
}

func (a *Anchor) readLoop(ctx context.Context) {
	for {
		m, err := a.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("roomanchor: subscription read: %v", err)
			continue
		}
		var p presenceMsg
		if err := json.Unmarshal(m.Data, &p); err != nil {
			log.Printf("roomanchor: malformed presence message: %v", err)
			continue
		}
		if p.PubKey == a.self {
			continue
		}
		a.observe(p.PubKey)
	}
}

func (a *Anchor) observe(peer identity.PubKey) {
	a.mu.Lock()
	_, existed := a.members[peer]
	a.members[peer] = time.Now()
	a.mu.Unlock()

	if !existed {
		a.notify()
	}
}

func (a *Anchor) notify() {
	if a.onChange == nil {
		return
	}
	a.onChange(a.Members())
}

func (a *Anchor) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	a.announce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.announce(ctx)
		}
	}
}

func (a *Anchor) announce(ctx context.Context) {
	b, err := json.Marshal(presenceMsg{PubKey: a.self, AppVersion: a.appVersion})
	if err != nil {
		return
	}
	if err := a.topic.Publish(ctx, b); err != nil {
		log.Printf("roomanchor: publish presence: %v", err)
	}
}

func (a *Anchor) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(memberTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.prune()
		}
	}
}

func (a *Anchor) prune() {
	cutoff := time.Now().Add(-memberTTL)
	a.mu.Lock()
	changed := false
	for p, seen := range a.members {
		if seen.Before(cutoff) {
			delete(a.members, p)
			changed = true
		}
	}
	a.mu.Unlock()
	if changed {
		a.notify()
	}
}

// Members returns a snapshot of currently live room members.
func (a *Anchor) Members() []identity.PubKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]identity.PubKey, 0, len(a.members))
	for p := range a.members {
		out = append(out, p)
	}
	return out
}

// Close leaves the topic and stops background loops.
func (a *Anchor) Close() error {
	a.cancel()
	a.sub.Cancel()
	return a.topic.Close()
}
