// Package securestore seals small payloads under a passphrase.
package securestore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "ICPWENC1\n"
	hkdfInfo        = "icpassword/securestore/aead/v1"

	defaultKDFTime    = uint32(2)
	defaultKDFMemKB   = uint32(64 * 1024)
	defaultKDFThreads = uint8(1)
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrPlaintext  = errors.New("securestore data is not sealed")
)

type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Seal encrypts plaintext and binds it to aad, which must be presented
// again to Open.
func Seal(passphrase string, aad, plaintext []byte) ([]byte, error) {
	env, err := SealEnvelope(passphrase, aad, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func SealEnvelope(passphrase string, aad, plaintext []byte) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	env := &Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id+hkdf",
		KDFTime:     defaultKDFTime,
		KDFMemoryKB: defaultKDFMemKB,
		KDFThreads:  defaultKDFThreads,
		Salt:        salt,
	}
	key, err := deriveKey(passphrase, env)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, err
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, plaintext, aad)
	return env, nil
}

// IsSealed reports whether data carries the envelope header.
func IsSealed(data []byte) bool {
	return strings.HasPrefix(string(data), filePrefix)
}

func Open(passphrase string, aad, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrPlaintext
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	return OpenEnvelope(passphrase, aad, &env)
}

func OpenEnvelope(passphrase string, aad []byte, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != "argon2id+hkdf" {
		return nil, ErrInvalid
	}
	if env.KDFTime == 0 || env.KDFThreads == 0 || env.KDFMemoryKB > 4*defaultKDFMemKB {
		return nil, ErrInvalid
	}
	key, err := deriveKey(passphrase, env)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrInvalid
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// deriveKey stretches the passphrase with Argon2id and expands the result
// into the AEAD key.
func deriveKey(passphrase string, env *Envelope) ([]byte, error) {
	master := argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, 32)
	defer zeroBytes(master)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, env.Salt, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
