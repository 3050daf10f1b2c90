package identity

import (
	"crypto/ed25519"
	"errors"
)

const SeedSize = ed25519.SeedSize

var (
	ErrInvalidSeed      = errors.New("invalid seed length")
	ErrInvalidPublicKey = errors.New("invalid ed25519 public key")
	ErrKeyWiped         = errors.New("key material has been wiped")
)

// derPrefix is the SubjectPublicKeyInfo header for a raw Ed25519 key
// (SEQUENCE { SEQUENCE { OID 1.3.101.112 }, BIT STRING }).
var derPrefix = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}

// DERPrefixLen is the length of the SubjectPublicKeyInfo header.
const DERPrefixLen = 12
