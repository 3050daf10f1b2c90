// Package agent is a minimal HTTP agent that issues calls as a delegated
// session identity.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"icpassword/go-client/internal/authority"
	"icpassword/go-client/internal/delegation"
	"icpassword/go-client/internal/principal"
)

const (
	HeaderSenderDelegation = "X-Sender-Delegation"

	statusPath    = "/api/v2/status"
	ingressWindow = 5 * time.Minute
	maxReplyBytes = 1 << 20
)

var (
	ErrNoIdentity   = errors.New("agent requires a delegation identity")
	ErrCallRejected = errors.New("call rejected")
	ErrNoRootKey    = errors.New("status reply carries no root key")
)

type Agent struct {
	host     *url.URL
	identity *delegation.Identity
	client   *http.Client
	now      func() time.Time

	mu      sync.RWMutex
	rootKey []byte
}

type Option func(*Agent)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) {
		if c != nil {
			a.client = c
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

func New(host string, id *delegation.Identity, opts ...Option) (*Agent, error) {
	if id == nil {
		return nil, ErrNoIdentity
	}
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(host), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("agent host %q is not an absolute URL", host)
	}
	a := &Agent{
		host:     u,
		identity: id,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Agent) Principal() principal.Principal {
	return a.identity.Principal()
}

func (a *Agent) Identity() *delegation.Identity {
	return a.identity
}

// RootKey returns the key fetched by FetchRootKey, or nil.
func (a *Agent) RootKey() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]byte(nil), a.rootKey...)
}

type statusReply struct {
	RootKey string `json:"rootKey"`
}

// FetchRootKey trusts whatever root key the host reports. Only use it
// against a local development replica.
func (a *Agent) FetchRootKey(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.host.String()+statusPath, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch root key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch root key: http status %d", resp.StatusCode)
	}
	var reply statusReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&reply); err != nil {
		return fmt.Errorf("fetch root key: %w", err)
	}
	key, err := hex.DecodeString(reply.RootKey)
	if err != nil || len(key) == 0 {
		return ErrNoRootKey
	}
	a.mu.Lock()
	a.rootKey = key
	a.mu.Unlock()
	return nil
}

type callRequest struct {
	Method string `json:"method"`
	Arg    string `json:"arg"`
	Sender string `json:"sender"`
}

// Call posts a method call to canisterID. The request always carries the
// delegation chain; it is signed only when the session key is the one the
// chain vouches for.
func (a *Agent) Call(ctx context.Context, canisterID, method string, arg []byte) ([]byte, error) {
	chain := a.identity.Chain()
	body, err := json.Marshal(callRequest{
		Method: method,
		Arg:    hex.EncodeToString(arg),
		Sender: a.identity.Principal().String(),
	})
	if err != nil {
		return nil, err
	}
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return nil, err
	}

	endpoint := a.host.String() + "/api/v2/canister/" + url.PathEscape(canisterID) + "/call"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(authority.HeaderSenderPubKey, hex.EncodeToString(chain.PublicKey))
	req.Header.Set(HeaderSenderDelegation, base64.StdEncoding.EncodeToString(chainJSON))

	if a.identity.CanSign() {
		expiry := uint64(a.now().Add(ingressWindow).UnixNano())
		sig, err := a.identity.Sign(authority.RequestSigningBytes(expiry, body))
		if err != nil {
			return nil, err
		}
		req.Header.Set(authority.HeaderSenderSignature, hex.EncodeToString(sig))
		req.Header.Set(authority.HeaderIngressExpiry, strconv.FormatUint(expiry, 10))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: http status %d: %s", ErrCallRejected, method, resp.StatusCode, strings.TrimSpace(string(reply)))
	}
	return reply, nil
}
