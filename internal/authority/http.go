package authority

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"icpassword/go-client/internal/identity"
)

const (
	HeaderSenderPubKey    = "X-Sender-Pubkey"
	HeaderSenderSignature = "X-Sender-Signature"
	HeaderIngressExpiry   = "X-Ingress-Expiry"

	MethodPrepare       = "prepareDelegationPassword"
	MethodGetDelegation = "getDelegation"

	requestDomain        = "icpassword-request"
	ingressWindow        = 5 * time.Minute
	maxReplyBytes  int64 = 1 << 20 // 1 MiB
	defaultTimeout       = 30 * time.Second
)

var (
	ErrUnsignedRequest = errors.New("request is not signed")
	ErrRequestExpired  = errors.New("request ingress expiry has passed")
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// HTTPAuthority reaches the authority over JSON-RPC 2.0 on HTTP. Each
// request is signed by the caller's long-term key.
type HTTPAuthority struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
	nextID   atomic.Uint64
}

type HTTPOption func(*HTTPAuthority)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAuthority) {
		if c != nil {
			a.client = c
		}
	}
}

func WithNow(now func() time.Time) HTTPOption {
	return func(a *HTTPAuthority) {
		if now != nil {
			a.now = now
		}
	}
}

func NewHTTPAuthority(host, authorityID string, opts ...HTTPOption) (*HTTPAuthority, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	authorityID = strings.TrimSpace(authorityID)
	if host == "" || authorityID == "" {
		return nil, errors.New("authority host and id are required")
	}
	if _, err := url.ParseRequestURI(host); err != nil {
		return nil, fmt.Errorf("invalid authority host: %w", err)
	}
	a := &HTTPAuthority{
		endpoint: host + "/api/authority/" + url.PathEscape(authorityID) + "/rpc",
		client:   &http.Client{Timeout: defaultTimeout},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *HTTPAuthority) Endpoint() string {
	return a.endpoint
}

func (a *HTTPAuthority) PrepareDelegationPassword(ctx context.Context, caller *identity.KeyPair, req PrepareRequest) (PrepareResult, error) {
	var out PrepareResult
	if err := a.call(ctx, caller, MethodPrepare, req, &out); err != nil {
		return PrepareResult{}, err
	}
	return out, nil
}

func (a *HTTPAuthority) GetDelegation(ctx context.Context, caller *identity.KeyPair, req GetDelegationRequest) (GetDelegationResult, error) {
	var out GetDelegationResult
	if err := a.call(ctx, caller, MethodGetDelegation, req, &out); err != nil {
		return GetDelegationResult{}, err
	}
	return out, nil
}

func (a *HTTPAuthority) call(ctx context.Context, caller *identity.KeyPair, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      a.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	expiry := uint64(a.now().Add(ingressWindow).UnixNano())
	sig, err := caller.Sign(RequestSigningBytes(expiry, body))
	if err != nil {
		return fmt.Errorf("%s: sign request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderSenderPubKey, hex.EncodeToString(caller.PublicKeyDER()))
	httpReq.Header.Set(HeaderSenderSignature, hex.EncodeToString(sig))
	httpReq.Header.Set(HeaderIngressExpiry, strconv.FormatUint(expiry, 10))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: http status %d", ErrTransport, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %s: decode reply: %v", ErrBadReply, method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: rpc error %d: %s", ErrTransport, method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%w: %s: empty result", ErrBadReply, method)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadReply, method, err)
	}
	return nil
}

// RequestSigningBytes is the message a caller signs for a request body.
func RequestSigningBytes(expiry uint64, body []byte) []byte {
	sum := sha256.Sum256(body)
	out := make([]byte, 0, len(requestDomain)+8+len(sum))
	out = append(out, requestDomain...)
	out = binary.BigEndian.AppendUint64(out, expiry)
	return append(out, sum[:]...)
}

// VerifyRequest checks the sender headers of an incoming request against
// body and returns the sender's DER public key.
func VerifyRequest(h http.Header, body []byte, now time.Time) ([]byte, error) {
	der, err := hex.DecodeString(h.Get(HeaderSenderPubKey))
	if err != nil || len(der) == 0 {
		return nil, ErrUnsignedRequest
	}
	sig, err := hex.DecodeString(h.Get(HeaderSenderSignature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrUnsignedRequest
	}
	expiry, err := strconv.ParseUint(h.Get(HeaderIngressExpiry), 10, 64)
	if err != nil {
		return nil, ErrUnsignedRequest
	}
	if uint64(now.UnixNano()) > expiry {
		return nil, ErrRequestExpired
	}
	pub, err := identity.DecodeDER(der)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(pub, RequestSigningBytes(expiry, body), sig) {
		return nil, ErrUnsignedRequest
	}
	return der, nil
}
