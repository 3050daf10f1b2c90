package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"icpassword/go-client/internal/principal"
)

func testSeed(b byte) []byte {
	seed := make([]byte, SeedSize)
	for i := range seed {
		seed[i] = b + byte(i)
	}
	return seed
}

func TestFromSeedDeterministic(t *testing.T) {
	k1, err := FromSeed(testSeed(1))
	if err != nil {
		t.Fatalf("from seed 1 failed: %v", err)
	}
	k2, err := FromSeed(testSeed(1))
	if err != nil {
		t.Fatalf("from seed 2 failed: %v", err)
	}
	if !bytes.Equal(k1.PublicKey(), k2.PublicKey()) {
		t.Fatal("public keys should be deterministic")
	}
	if k1.Principal().String() != k2.Principal().String() {
		t.Fatal("principals should be deterministic")
	}
	k3, err := FromSeed(testSeed(2))
	if err != nil {
		t.Fatalf("from seed 3 failed: %v", err)
	}
	if bytes.Equal(k1.PublicKey(), k3.PublicKey()) {
		t.Fatal("different seeds must produce different keys")
	}
}

func TestFromSeedRejectsBadLength(t *testing.T) {
	if _, err := FromSeed([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidSeed) {
		t.Fatalf("expected ErrInvalidSeed, got %v", err)
	}
}

func TestRandomKeysDiffer(t *testing.T) {
	k1, err := Random()
	if err != nil {
		t.Fatalf("random 1 failed: %v", err)
	}
	k2, err := Random()
	if err != nil {
		t.Fatalf("random 2 failed: %v", err)
	}
	if bytes.Equal(k1.PublicKey(), k2.PublicKey()) {
		t.Fatal("random keys should differ")
	}
}

func TestPublicKeyDERLayout(t *testing.T) {
	k, err := FromSeed(testSeed(7))
	if err != nil {
		t.Fatalf("from seed failed: %v", err)
	}
	der := k.PublicKeyDER()
	want := []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}
	if len(der) != 44 || !bytes.Equal(der[:12], want) {
		t.Fatalf("unexpected DER encoding: %x", der)
	}
	pub, err := DecodeDER(der)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(pub, k.PublicKey()) {
		t.Fatal("decoded key mismatch")
	}
	if _, err := DecodeDER(der[1:]); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestNormalizeDER(t *testing.T) {
	k, err := FromSeed(testSeed(3))
	if err != nil {
		t.Fatalf("from seed failed: %v", err)
	}
	fromRaw, err := NormalizeDER(k.PublicKey())
	if err != nil {
		t.Fatalf("normalize raw failed: %v", err)
	}
	fromDER, err := NormalizeDER(k.PublicKeyDER())
	if err != nil {
		t.Fatalf("normalize der failed: %v", err)
	}
	if !bytes.Equal(fromRaw, fromDER) {
		t.Fatal("normalized encodings should match")
	}
	if _, err := NormalizeDER([]byte{1}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestPrincipalMatchesDER(t *testing.T) {
	k, err := FromSeed(testSeed(9))
	if err != nil {
		t.Fatalf("from seed failed: %v", err)
	}
	if !k.Principal().Equal(principal.SelfAuthenticating(k.PublicKeyDER())) {
		t.Fatal("principal must be derived from DER public key")
	}
}

func TestSignAndWipe(t *testing.T) {
	k, err := FromSeed(testSeed(4))
	if err != nil {
		t.Fatalf("from seed failed: %v", err)
	}
	msg := []byte("hello")
	sig, err := k.Sign(msg)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !ed25519.Verify(k.PublicKey(), msg, sig) {
		t.Fatal("signature should verify")
	}
	k.Wipe()
	if _, err := k.Sign(msg); !errors.Is(err, ErrKeyWiped) {
		t.Fatalf("expected ErrKeyWiped, got %v", err)
	}
	if len(k.PublicKey()) != ed25519.PublicKeySize {
		t.Fatal("public key should survive wipe")
	}
}

func TestKeyID(t *testing.T) {
	k, err := FromSeed(testSeed(5))
	if err != nil {
		t.Fatalf("from seed failed: %v", err)
	}
	id := k.KeyID()
	if !strings.HasPrefix(id, "key1") || len(id) < 12 {
		t.Fatalf("unexpected key id: %s", id)
	}
	if _, err := KeyIDFromPublicKey([]byte{1, 2}); err == nil {
		t.Fatal("expected error for short key")
	}
}
