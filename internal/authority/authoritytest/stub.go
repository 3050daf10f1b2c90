// Package authoritytest provides an in-memory delegation authority for
// tests.
package authoritytest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"icpassword/go-client/internal/authority"
	"icpassword/go-client/internal/delegation"
	"icpassword/go-client/internal/identity"
)

type account struct {
	userID string
	key    ed25519.PrivateKey
}

type pendingDelegation struct {
	sessionKey []byte
	expireAt   uint64
}

// Stub issues Ed25519-signed delegations. Accounts are keyed by the
// caller's public key, as a real authority identifies callers by their
// request signature.
type Stub struct {
	mu       sync.Mutex
	now      func() time.Time
	accounts map[string]*account
	pending  map[string]pendingDelegation

	// PrepareErr and GetErr, when set, are returned as err replies.
	PrepareErr string
	GetErr     string
	// PrepareGate, when set, blocks prepare until it is closed.
	PrepareGate chan struct{}

	prepareCalls int
	getCalls     int
}

func New() *Stub {
	return &Stub{
		now:      time.Now,
		accounts: make(map[string]*account),
		pending:  make(map[string]pendingDelegation),
	}
}

func (s *Stub) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// UserKey is the key the stub signs delegations with for userID.
func UserKey(userID string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte("authoritytest/user/" + userID))
	return ed25519.NewKeyFromSeed(seed[:])
}

func UserPublicKeyDER(userID string) []byte {
	der, _ := identity.EncodeDER(UserKey(userID).Public().(ed25519.PublicKey))
	return der
}

func (s *Stub) Calls() (prepare, get int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepareCalls, s.getCalls
}

func (s *Stub) PrepareDelegationPassword(ctx context.Context, caller *identity.KeyPair, req authority.PrepareRequest) (authority.PrepareResult, error) {
	return s.Prepare(ctx, caller.PublicKeyDER(), req)
}

func (s *Stub) GetDelegation(ctx context.Context, caller *identity.KeyPair, req authority.GetDelegationRequest) (authority.GetDelegationResult, error) {
	return s.Get(ctx, caller.PublicKeyDER(), req)
}

func (s *Stub) Prepare(ctx context.Context, callerDER []byte, req authority.PrepareRequest) (authority.PrepareResult, error) {
	if s.PrepareGate != nil {
		select {
		case <-s.PrepareGate:
		case <-ctx.Done():
			return authority.PrepareResult{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepareCalls++
	if s.PrepareErr != "" {
		return prepareErr(s.PrepareErr), nil
	}
	if len(req.SessionKey) == 0 {
		return prepareErr("session key is required"), nil
	}

	callerID := hex.EncodeToString(callerDER)
	acct, ok := s.accounts[callerID]
	isNew := false
	switch {
	case !ok && !req.Register:
		return prepareErr("account not found"), nil
	case !ok:
		acct = &account{userID: req.UserID, key: UserKey(req.UserID)}
		s.accounts[callerID] = acct
		isNew = true
	case acct.userID != req.UserID:
		return prepareErr("user id does not match caller"), nil
	}

	expireAt := uint64(s.now().UnixNano()) + req.ExpireIn
	s.pending[callerID] = pendingDelegation{
		sessionKey: append([]byte(nil), req.SessionKey...),
		expireAt:   expireAt,
	}
	return authority.PrepareResult{OK: &authority.PrepareOK{
		ExpireAt: expireAt,
		IsNew:    isNew,
		PubKey:   append([]byte(nil), acct.key.Public().(ed25519.PublicKey)...),
	}}, nil
}

func (s *Stub) Get(_ context.Context, callerDER []byte, req authority.GetDelegationRequest) (authority.GetDelegationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.GetErr != "" {
		return getErr(s.GetErr), nil
	}
	if req.Provider != authority.Provider {
		return getErr("unsupported provider"), nil
	}
	callerID := hex.EncodeToString(callerDER)
	acct, ok := s.accounts[callerID]
	if !ok {
		return getErr("account not found"), nil
	}
	p, ok := s.pending[callerID]
	switch {
	case !ok:
		return getErr("no delegation prepared"), nil
	case p.expireAt != req.ExpireAt:
		return getErr("expiration does not match prepared delegation"), nil
	case !bytes.Equal(p.sessionKey, req.SessionKey):
		return getErr("session key does not match prepared delegation"), nil
	}

	d := delegation.Delegation{PubKey: p.sessionKey, Expiration: p.expireAt, Targets: req.Targets}
	userDER, _ := identity.EncodeDER(acct.key.Public().(ed25519.PublicKey))
	return authority.GetDelegationResult{OK: &authority.GetDelegationOK{Auth: authority.AuthResponse{
		Kind:        "authorized",
		AuthnMethod: authority.Provider,
		Delegations: []authority.WireSignedDelegation{{
			Delegation: authority.WireDelegation{
				PubKey:     d.PubKey,
				Expiration: d.Expiration,
				Targets:    d.Targets,
			},
			Signature: ed25519.Sign(acct.key, delegation.SigningBytes(d)),
		}},
		UserPublicKey: userDER,
	}}}, nil
}

func prepareErr(msg string) authority.PrepareResult {
	return authority.PrepareResult{Err: &msg}
}

func getErr(msg string) authority.GetDelegationResult {
	return authority.GetDelegationResult{Err: &msg}
}
