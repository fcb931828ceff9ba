package signal

import (
	"context"

	"github.com/meshcall/meshcall/identity"
)

// Inbound is one signal delivered by the Transport, tagged with the sender.
// The transport itself is assumed unreliable, so the engine never trusts
// ordering across peers, only within a single peer/family.
type Inbound struct {
	From    identity.PubKey
	Type    string
	Payload any
}

// Transport delivers typed remote signals between peers addressed by PubKey
// and provides a subscription for inbound signals. Implementations may lose
// or arbitrarily delay signals but must never corrupt or duplicate-deliver
// with a different payload than was sent.
type Transport interface {
	// Send delivers msg (one of PingUi, PongUi, InitRequest, InitAccept,
	// SdpData) to peer. Implementations should not block indefinitely; a
	// failed send is treated by the engine exactly like a lost signal.
	Send(ctx context.Context, peer identity.PubKey, msg any) error

	// Subscribe returns a channel of inbound signals and a cancel function.
	// The engine processes signals from this channel strictly in the order
	// received.
	Subscribe() (ch <-chan Inbound, cancel func())
}
