// Package identity defines the opaque peer identity used throughout the
// engine and the lexicographic ordering that determines handshake roles.
package identity

import (
	"encoding/base32"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PubKey is an opaque fixed-length public key identifying a peer. It is
// comparable and hashable so it can be used directly as a map key, matching
// every per-peer table in registry.Registry.
type PubKey string

// FromLibp2p converts a libp2p peer.ID into the textual canonical form used
// for comparisons and wire encoding. libp2p peer IDs are themselves a
// multihash of a public key, so this is the natural concrete backing for
// PubKey when SignalTransport is implemented over libp2p (see meshnet).
func FromLibp2p(id peer.ID) PubKey {
	return PubKey(id.String())
}

// Empty reports whether k is the zero value.
func (k PubKey) Empty() bool { return k == "" }

func (k PubKey) String() string { return string(k) }

// Less reports whether k sorts before other under plain byte-wise string
// comparison of the textual form, a total order both peers compute alike.
// The base58btc alphabet of libp2p peer IDs is monotonic in code point
// order; the lowercase base32 form from Encode is not (its digits 2-7 sort
// before its letters), so for such keys the order need not match the order
// of the raw key bytes.
func (k PubKey) Less(other PubKey) bool { return string(k) < string(other) }

// Short returns an abbreviated form for logging, matching the teacher's
// convention of truncating peer IDs to 8 characters in log lines.
func (k PubKey) Short() string {
	s := string(k)
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// base32Encoding is used by implementations that need a canonical textual
// form for keys that aren't already libp2p peer IDs (e.g. in tests).
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode renders raw key bytes into PubKey's canonical textual form.
func Encode(raw []byte) PubKey {
	return PubKey(strings.ToLower(base32Encoding.EncodeToString(raw)))
}
