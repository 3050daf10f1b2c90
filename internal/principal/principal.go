// Package principal implements textual account identifiers derived from
// DER-encoded public keys.
package principal

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	selfAuthenticatingTag = 0x02
	anonymousTag          = 0x04
	maxPrincipalLen       = 29
	checksumLen           = 4
	groupLen              = 5
)

var (
	ErrInvalidText     = errors.New("invalid principal text")
	ErrInvalidChecksum = errors.New("principal checksum mismatch")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is the binary form of an account identifier.
type Principal []byte

// SelfAuthenticating derives the principal owned by the holder of the key
// whose DER encoding is der.
func SelfAuthenticating(der []byte) Principal {
	sum := sha256.Sum224(der)
	out := make(Principal, 0, len(sum)+1)
	out = append(out, sum[:]...)
	return append(out, selfAuthenticatingTag)
}

// Anonymous returns the principal used by unauthenticated callers.
func Anonymous() Principal {
	return Principal{anonymousTag}
}

func (p Principal) IsAnonymous() bool {
	return len(p) == 1 && p[0] == anonymousTag
}

func (p Principal) Equal(other Principal) bool {
	return bytes.Equal(p, other)
}

// String returns the checksummed, dash-grouped lowercase base32 form.
func (p Principal) String() string {
	buf := make([]byte, checksumLen, checksumLen+len(p))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(p))
	buf = append(buf, p...)
	raw := strings.ToLower(encoding.EncodeToString(buf))

	var b strings.Builder
	b.Grow(len(raw) + len(raw)/groupLen)
	for i := 0; i < len(raw); i += groupLen {
		if i > 0 {
			b.WriteByte('-')
		}
		end := min(i+groupLen, len(raw))
		b.WriteString(raw[i:end])
	}
	return b.String()
}

// Parse decodes the textual form and verifies its checksum.
func Parse(text string) (Principal, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInvalidText
	}
	compact := strings.ToUpper(strings.ReplaceAll(text, "-", ""))
	raw, err := encoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidText, err)
	}
	if len(raw) < checksumLen || len(raw) > checksumLen+maxPrincipalLen {
		return nil, ErrInvalidText
	}
	p := Principal(append([]byte(nil), raw[checksumLen:]...))
	if binary.BigEndian.Uint32(raw[:checksumLen]) != crc32.ChecksumIEEE(p) {
		return nil, ErrInvalidChecksum
	}
	if p.String() != strings.ToLower(text) {
		return nil, fmt.Errorf("%w: not in canonical form", ErrInvalidText)
	}
	return p, nil
}

func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
