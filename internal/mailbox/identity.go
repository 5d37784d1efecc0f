// Package mailbox implements the agent messaging protocol: signed envelopes
// exchanged between agent addresses over a relay, dispatched to typed
// protocol handlers.
package mailbox

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddressPrefix starts every agent address.
const AddressPrefix = "agent1"

var ErrInvalidAddress = errors.New("invalid agent address")

// Identity is an agent key pair. The same seed always yields the same key
// and therefore the same address.
type Identity struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

// NewIdentity derives an Ed25519 key from sha256(seed).
func NewIdentity(seed string) *Identity {
	sum := sha256.Sum256([]byte(seed))
	priv := ed25519.NewKeyFromSeed(sum[:])
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		priv:    priv,
		pub:     pub,
		address: AddressPrefix + hex.EncodeToString(pub),
	}
}

func (i *Identity) Address() string { return i.address }

func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.priv, data)
}

// PublicKey recovers the public key embedded in an address.
func PublicKey(address string) (ed25519.PublicKey, error) {
	rest, ok := strings.CutPrefix(address, AddressPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidAddress, AddressPrefix)
	}
	raw, err := hex.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrInvalidAddress, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ValidAddress reports whether address is a well-formed agent address.
func ValidAddress(address string) bool {
	_, err := PublicKey(address)
	return err == nil
}
