// Package authority talks to the remote delegation authority.
package authority

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"icpassword/go-client/internal/identity"
	"icpassword/go-client/internal/principal"
)

const (
	// Provider names the authentication method on getDelegation.
	Provider = "password"
	// SessionTTL is the delegation lifetime requested on prepare.
	SessionTTL = 30 * time.Minute
)

var (
	ErrDelegation = errors.New("delegation authority error")
	ErrTransport  = errors.New("delegation authority transport failure")
	ErrBadReply   = errors.New("delegation authority returned an invalid reply")
)

// DelegationError carries an err string returned by the authority. Error
// returns the message verbatim.
type DelegationError struct {
	Op      string
	Message string
}

func (e *DelegationError) Error() string {
	return e.Message
}

func (e *DelegationError) Is(target error) bool {
	return target == ErrDelegation
}

// Authority is the remote peer. Every call is authenticated by caller, the
// long-term identity of the account.
type Authority interface {
	PrepareDelegationPassword(ctx context.Context, caller *identity.KeyPair, req PrepareRequest) (PrepareResult, error)
	GetDelegation(ctx context.Context, caller *identity.KeyPair, req GetDelegationRequest) (GetDelegationResult, error)
}

type PrepareRequest struct {
	UserID     string                `json:"userId"`
	Register   bool                  `json:"register"`
	Origin     string                `json:"origin"`
	SessionKey []byte                `json:"sessionKey"`
	ExpireIn   uint64                `json:"expireIn"`
	Targets    []principal.Principal `json:"targets,omitempty"`
}

type PrepareOK struct {
	ExpireAt uint64 `json:"expireAt"`
	IsNew    bool   `json:"isNew"`
	PubKey   []byte `json:"pubKey"`
}

type PrepareResult struct {
	OK  *PrepareOK `json:"ok,omitempty"`
	Err *string    `json:"err,omitempty"`
}

type GetDelegationRequest struct {
	Provider   string                `json:"provider"`
	Origin     string                `json:"origin"`
	SessionKey []byte                `json:"sessionKey"`
	ExpireAt   uint64                `json:"expireAt"`
	Targets    []principal.Principal `json:"targets,omitempty"`
}

type WireDelegation struct {
	PubKey     []byte                `json:"pubkey"`
	Expiration uint64                `json:"expiration"`
	Targets    []principal.Principal `json:"targets,omitempty"`
}

type WireSignedDelegation struct {
	Delegation WireDelegation `json:"delegation"`
	Signature  []byte         `json:"signature"`
}

type AuthResponse struct {
	Kind          string                 `json:"kind"`
	AuthnMethod   string                 `json:"authnMethod"`
	Delegations   []WireSignedDelegation `json:"delegations"`
	UserPublicKey []byte                 `json:"userPublicKey"`
}

type GetDelegationOK struct {
	Auth AuthResponse `json:"auth"`
}

type GetDelegationResult struct {
	OK  *GetDelegationOK `json:"ok,omitempty"`
	Err *string          `json:"err,omitempty"`
}

// UserID is the lowercase hex SHA-256 of the raw username. The authority
// never sees the username itself.
func UserID(username string) string {
	sum := sha256.Sum256([]byte(username))
	return hex.EncodeToString(sum[:])
}

func errString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
