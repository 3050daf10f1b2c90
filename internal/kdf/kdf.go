// Package kdf stretches credentials into deterministic key seeds.
package kdf

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	defaultArgonTime    = uint32(3)
	defaultArgonMemKB   = uint32(64 * 1024)
	defaultArgonThreads = uint8(1)
	defaultKeyLen       = uint32(32)

	saltPrefix = "icpassword/v1/"
)

var (
	ErrHashingUnavailable = errors.New("key stretching is unavailable")
	ErrInvalidParams      = errors.New("invalid key derivation parameters")
)

// Engine derives a seed from a password and salt. Implementations may run
// the work in-process or on a background worker.
type Engine interface {
	Derive(ctx context.Context, password, salt []byte) ([]byte, error)
}

// Params configures Argon2id.
type Params struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
	KeyLen   uint32
}

func DefaultParams() Params {
	return Params{
		Time:     defaultArgonTime,
		MemoryKB: defaultArgonMemKB,
		Threads:  defaultArgonThreads,
		KeyLen:   defaultKeyLen,
	}
}

func (p Params) Validate() error {
	switch {
	case p.Time == 0:
		return fmt.Errorf("%w: time must be positive", ErrInvalidParams)
	case p.Threads == 0:
		return fmt.Errorf("%w: threads must be positive", ErrInvalidParams)
	case p.MemoryKB < 8*uint32(p.Threads):
		return fmt.Errorf("%w: memory below 8 KiB per thread", ErrInvalidParams)
	case p.KeyLen == 0:
		return fmt.Errorf("%w: key length must be positive", ErrInvalidParams)
	}
	return nil
}

// Salt returns the domain-separated salt for a username. The username is
// used byte for byte, matching the account id the authority derives.
func Salt(username string) []byte {
	return []byte(saltPrefix + username)
}

func stretch(p Params, password, salt []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrHashingUnavailable, r)
		}
	}()
	return argon2.IDKey(password, salt, p.Time, p.MemoryKB, p.Threads, p.KeyLen), nil
}

// Inline runs Argon2id on the calling goroutine.
type Inline struct {
	params Params
}

func NewInline(p Params) (*Inline, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashingUnavailable, err)
	}
	return &Inline{params: p}, nil
}

func (e *Inline) Derive(ctx context.Context, password, salt []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return stretch(e.params, password, salt)
}
