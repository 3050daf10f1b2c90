package authority

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"icpassword/go-client/internal/delegation"
	"icpassword/go-client/internal/identity"
	"icpassword/go-client/internal/principal"
)

// Client runs the two-phase delegation exchange.
type Client struct {
	authority Authority
}

func NewClient(a Authority) *Client {
	return &Client{authority: a}
}

type PrepareParams struct {
	UserID     string
	Register   bool
	Origin     string
	SessionKey []byte
	TTL        time.Duration
	Targets    []principal.Principal
}

type Prepared struct {
	ExpireAt      uint64
	IsNew         bool
	UserPublicKey []byte
}

type FetchParams struct {
	Origin     string
	SessionKey []byte
	ExpireAt   uint64
	Targets    []principal.Principal

	// UserPublicKey, when set, is the DER key Prepare returned; the fetched
	// key must match it.
	UserPublicKey []byte
}

type Fetched struct {
	Delegations   []delegation.SignedDelegation
	UserPublicKey []byte
}

// Prepare asks the authority to issue a delegation for the session key.
// With Register set the account is created if missing; otherwise it must
// already exist.
func (c *Client) Prepare(ctx context.Context, caller *identity.KeyPair, p PrepareParams) (Prepared, error) {
	if p.TTL <= 0 {
		return Prepared{}, fmt.Errorf("prepare: ttl must be positive")
	}
	res, err := c.authority.PrepareDelegationPassword(ctx, caller, PrepareRequest{
		UserID:     p.UserID,
		Register:   p.Register,
		Origin:     p.Origin,
		SessionKey: append([]byte(nil), p.SessionKey...),
		ExpireIn:   uint64(p.TTL.Nanoseconds()),
		Targets:    p.Targets,
	})
	if err != nil {
		return Prepared{}, err
	}
	if res.Err != nil {
		return Prepared{}, &DelegationError{Op: "prepareDelegationPassword", Message: errString(res.Err)}
	}
	if res.OK == nil {
		return Prepared{}, fmt.Errorf("%w: prepare reply has neither ok nor err", ErrBadReply)
	}
	if res.OK.ExpireAt == 0 {
		return Prepared{}, fmt.Errorf("%w: prepare reply has no expiration", ErrBadReply)
	}
	out := Prepared{ExpireAt: res.OK.ExpireAt, IsNew: res.OK.IsNew}
	if len(res.OK.PubKey) > 0 {
		if out.UserPublicKey, err = identity.NormalizeDER(res.OK.PubKey); err != nil {
			return Prepared{}, fmt.Errorf("%w: prepare user public key: %v", ErrBadReply, err)
		}
	}
	return out, nil
}

// Fetch retrieves the signed delegations prepared by Prepare. ExpireAt must
// be the exact value Prepare returned.
func (c *Client) Fetch(ctx context.Context, caller *identity.KeyPair, p FetchParams) (Fetched, error) {
	res, err := c.authority.GetDelegation(ctx, caller, GetDelegationRequest{
		Provider:   Provider,
		Origin:     p.Origin,
		SessionKey: append([]byte(nil), p.SessionKey...),
		ExpireAt:   p.ExpireAt,
		Targets:    p.Targets,
	})
	if err != nil {
		return Fetched{}, err
	}
	if res.Err != nil {
		return Fetched{}, &DelegationError{Op: "getDelegation", Message: errString(res.Err)}
	}
	if res.OK == nil {
		return Fetched{}, fmt.Errorf("%w: getDelegation reply has neither ok nor err", ErrBadReply)
	}
	userKey, err := identity.NormalizeDER(res.OK.Auth.UserPublicKey)
	if err != nil {
		return Fetched{}, fmt.Errorf("%w: user public key: %v", ErrBadReply, err)
	}
	if len(p.UserPublicKey) > 0 && !bytes.Equal(userKey, p.UserPublicKey) {
		return Fetched{}, fmt.Errorf("%w: user public key differs from the prepared one", ErrBadReply)
	}
	out := Fetched{
		Delegations:   make([]delegation.SignedDelegation, 0, len(res.OK.Auth.Delegations)),
		UserPublicKey: userKey,
	}
	for _, wd := range res.OK.Auth.Delegations {
		out.Delegations = append(out.Delegations, delegation.SignedDelegation{
			Delegation: delegation.Delegation{
				PubKey:     wd.Delegation.PubKey,
				Expiration: wd.Delegation.Expiration,
				Targets:    wd.Delegation.Targets,
			},
			Signature: wd.Signature,
		})
	}
	return out, nil
}
