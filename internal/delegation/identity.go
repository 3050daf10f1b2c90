package delegation

import (
	"errors"

	"icpassword/go-client/internal/identity"
	"icpassword/go-client/internal/principal"
)

var (
	ErrChainKeyMismatch   = errors.New("delegation chain does not vouch for the session key")
	ErrRestoredIdentity   = errors.New("restored session cannot sign as the delegated session key")
	ErrIdentityIncomplete = errors.New("delegation identity requires a key and a chain")
)

// Identity is a session key together with the chain that authorizes it.
//
// A restored Identity wraps a freshly generated key because the original
// session private key is never persisted. It can present the chain but its
// signatures are not covered by the chain, so Sign refuses to produce them.
type Identity struct {
	key      *identity.KeyPair
	chain    *Chain
	restored bool
}

// NewIdentity binds key to chain. The chain's last delegation must name
// key's public key.
func NewIdentity(key *identity.KeyPair, chain *Chain) (*Identity, error) {
	if key == nil || chain == nil {
		return nil, ErrIdentityIncomplete
	}
	if !sameKey(chain.SessionKey(), key.PublicKeyDER()) {
		return nil, ErrChainKeyMismatch
	}
	return &Identity{key: key, chain: chain}, nil
}

// RestoredIdentity wraps a persisted chain around a fresh key.
func RestoredIdentity(fresh *identity.KeyPair, chain *Chain) *Identity {
	return &Identity{key: fresh, chain: chain, restored: true}
}

func (i *Identity) Principal() principal.Principal {
	return i.chain.Principal()
}

func (i *Identity) Chain() *Chain {
	return i.chain
}

// PublicKeyDER is the DER public key of the in-memory session key.
func (i *Identity) PublicKeyDER() []byte {
	return i.key.PublicKeyDER()
}

func (i *Identity) KeyID() string {
	return i.key.KeyID()
}

func (i *Identity) Restored() bool {
	return i.restored
}

// CanSign reports whether signatures from this identity are covered by
// the chain.
func (i *Identity) CanSign() bool {
	return !i.restored
}

func (i *Identity) Sign(msg []byte) ([]byte, error) {
	if i.restored {
		return nil, ErrRestoredIdentity
	}
	return i.key.Sign(msg)
}
