// Package delegation assembles delegation chains issued by the remote
// authority and binds them to session keys.
package delegation

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"icpassword/go-client/internal/identity"
	"icpassword/go-client/internal/principal"
)

var (
	ErrEmptyDelegationChain = errors.New("delegation chain is empty")
	ErrInvalidPublicKey     = errors.New("delegation chain public key is missing")
	ErrMalformedChain       = errors.New("malformed delegation chain")
	ErrInvalidSignature     = errors.New("delegation signature is invalid")
)

const signingDomain = "\x1Aic-request-auth-delegation"

// Delegation authorizes PubKey to act for the signer until Expiration
// (nanoseconds since the Unix epoch).
type Delegation struct {
	PubKey     []byte
	Expiration uint64
	Targets    []principal.Principal
}

type SignedDelegation struct {
	Delegation Delegation
	Signature  []byte
}

// Chain links the long-term public key (the root) to the session key named
// by its last delegation.
type Chain struct {
	Delegations []SignedDelegation
	PublicKey   []byte
}

// Build assembles a chain from the authority's response. Signatures are not
// verified here; relying parties check them when the chain is presented.
func Build(delegations []SignedDelegation, publicKey []byte) (*Chain, error) {
	if len(delegations) == 0 {
		return nil, ErrEmptyDelegationChain
	}
	if len(publicKey) == 0 {
		return nil, ErrInvalidPublicKey
	}
	chain := &Chain{
		Delegations: make([]SignedDelegation, 0, len(delegations)),
		PublicKey:   append([]byte(nil), publicKey...),
	}
	for i, d := range delegations {
		if len(d.Delegation.PubKey) == 0 {
			return nil, fmt.Errorf("%w: delegation %d has no public key", ErrMalformedChain, i)
		}
		chain.Delegations = append(chain.Delegations, cloneSigned(d))
	}
	return chain, nil
}

// Expiration is the earliest expiration across all links.
func (c *Chain) Expiration() time.Time {
	earliest := uint64(math.MaxUint64)
	for _, d := range c.Delegations {
		earliest = min(earliest, d.Delegation.Expiration)
	}
	return nanosToTime(earliest)
}

// SessionKey is the public key the final link vouches for.
func (c *Chain) SessionKey() []byte {
	if len(c.Delegations) == 0 {
		return nil
	}
	return append([]byte(nil), c.Delegations[len(c.Delegations)-1].Delegation.PubKey...)
}

// Principal identifies the account at the root of the chain.
func (c *Chain) Principal() principal.Principal {
	return principal.SelfAuthenticating(c.PublicKey)
}

// VerifyEd25519 checks every link when each signer is an Ed25519 key.
// Chains rooted in other signature schemes must be verified by the
// resource they are presented to.
func (c *Chain) VerifyEd25519() error {
	if len(c.Delegations) == 0 {
		return ErrEmptyDelegationChain
	}
	signer := c.PublicKey
	for i, d := range c.Delegations {
		pub, err := identity.DecodeDER(signer)
		if err != nil {
			return fmt.Errorf("link %d: %w", i, err)
		}
		if !ed25519.Verify(pub, SigningBytes(d.Delegation), d.Signature) {
			return fmt.Errorf("link %d: %w", i, ErrInvalidSignature)
		}
		signer = d.Delegation.PubKey
	}
	return nil
}

// SigningBytes is the message an issuer signs for a delegation.
func SigningBytes(d Delegation) []byte {
	h := sha256.New()
	writeField(h, d.PubKey)
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], d.Expiration)
	h.Write(exp[:])
	for _, t := range d.Targets {
		writeField(h, t)
	}
	out := make([]byte, 0, len(signingDomain)+sha256.Size)
	out = append(out, signingDomain...)
	return h.Sum(out)
}

func writeField(h io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

func cloneSigned(d SignedDelegation) SignedDelegation {
	out := SignedDelegation{
		Delegation: Delegation{
			PubKey:     append([]byte(nil), d.Delegation.PubKey...),
			Expiration: d.Delegation.Expiration,
		},
		Signature: append([]byte(nil), d.Signature...),
	}
	for _, t := range d.Delegation.Targets {
		out.Delegation.Targets = append(out.Delegation.Targets, append(principal.Principal(nil), t...))
	}
	return out
}

func nanosToTime(ns uint64) time.Time {
	if ns > math.MaxInt64 {
		ns = math.MaxInt64
	}
	return time.Unix(0, int64(ns))
}

// TimeToNanos converts a wall-clock time to the authority's timestamp unit.
func TimeToNanos(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}

func sameKey(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}
