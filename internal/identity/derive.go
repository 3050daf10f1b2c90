package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"icpassword/go-client/internal/principal"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

// KeyPair is an Ed25519 signing identity.
type KeyPair struct {
	mu    sync.RWMutex
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	wiped bool
}

// FromSeed deterministically derives a key pair from a 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSeed, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{
		priv: priv,
		pub:  append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...),
	}, nil
}

// Random generates a fresh key pair from crypto/rand.
func Random() (*KeyPair, error) {
	return RandomFrom(rand.Reader)
}

func RandomFrom(r io.Reader) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv, pub: pub}, nil
}

func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), k.pub...)
}

// PublicKeyDER returns the SubjectPublicKeyInfo encoding of the public key.
func (k *KeyPair) PublicKeyDER() []byte {
	der, _ := EncodeDER(k.pub)
	return der
}

func (k *KeyPair) Principal() principal.Principal {
	return principal.SelfAuthenticating(k.PublicKeyDER())
}

// KeyID is a short fingerprint that is safe to log.
func (k *KeyPair) KeyID() string {
	id, _ := KeyIDFromPublicKey(k.pub)
	return id
}

func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.wiped {
		return nil, ErrKeyWiped
	}
	return ed25519.Sign(k.priv, msg), nil
}

// Wipe zeroes the private key. The public half stays usable.
func (k *KeyPair) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	zeroBytes(k.priv)
	k.wiped = true
}

func EncodeDER(pub []byte) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(pub))
	}
	out := make([]byte, 0, DERPrefixLen+ed25519.PublicKeySize)
	out = append(out, derPrefix...)
	return append(out, pub...), nil
}

func DecodeDER(der []byte) (ed25519.PublicKey, error) {
	if len(der) != DERPrefixLen+ed25519.PublicKeySize || !bytes.HasPrefix(der, derPrefix) {
		return nil, ErrInvalidPublicKey
	}
	return append(ed25519.PublicKey(nil), der[DERPrefixLen:]...), nil
}

// NormalizeDER accepts either a raw 32-byte Ed25519 key or any DER
// encoding and returns DER. Non-Ed25519 DER keys pass through unchanged.
func NormalizeDER(key []byte) ([]byte, error) {
	switch {
	case len(key) == ed25519.PublicKeySize:
		return EncodeDER(key)
	case len(key) > ed25519.PublicKeySize && key[0] == 0x30:
		return append([]byte(nil), key...), nil
	default:
		return nil, fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(key))
	}
}

func KeyIDFromPublicKey(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(pub))
	}
	h := blake2b.Sum256(pub)
	return "key1" + base58.Encode(h[:16]), nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
