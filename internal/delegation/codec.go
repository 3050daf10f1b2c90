package delegation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"icpassword/go-client/internal/principal"
)

type jsonDelegation struct {
	PubKey     string   `json:"pubkey"`
	Expiration string   `json:"expiration"`
	Targets    []string `json:"targets,omitempty"`
}

type jsonSignedDelegation struct {
	Delegation jsonDelegation `json:"delegation"`
	Signature  string         `json:"signature"`
}

type jsonChain struct {
	Delegations []jsonSignedDelegation `json:"delegations"`
	PublicKey   string                 `json:"publicKey"`
}

// MarshalJSON encodes byte fields as hex and expirations as hex strings of
// nanoseconds.
func (c *Chain) MarshalJSON() ([]byte, error) {
	out := jsonChain{
		Delegations: make([]jsonSignedDelegation, 0, len(c.Delegations)),
		PublicKey:   hex.EncodeToString(c.PublicKey),
	}
	for _, d := range c.Delegations {
		jd := jsonSignedDelegation{
			Delegation: jsonDelegation{
				PubKey:     hex.EncodeToString(d.Delegation.PubKey),
				Expiration: strconv.FormatUint(d.Delegation.Expiration, 16),
			},
			Signature: hex.EncodeToString(d.Signature),
		}
		for _, t := range d.Delegation.Targets {
			jd.Delegation.Targets = append(jd.Delegation.Targets, hex.EncodeToString(t))
		}
		out.Delegations = append(out.Delegations, jd)
	}
	return json.Marshal(out)
}

func (c *Chain) UnmarshalJSON(data []byte) error {
	var in jsonChain
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedChain, err)
	}
	publicKey, err := hex.DecodeString(in.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrMalformedChain, err)
	}
	delegations := make([]SignedDelegation, 0, len(in.Delegations))
	for i, jd := range in.Delegations {
		d, err := decodeSigned(jd)
		if err != nil {
			return fmt.Errorf("%w: delegation %d: %v", ErrMalformedChain, i, err)
		}
		delegations = append(delegations, d)
	}
	built, err := Build(delegations, publicKey)
	if err != nil {
		return err
	}
	*c = *built
	return nil
}

// Unmarshal parses a serialized chain.
func Unmarshal(data []byte) (*Chain, error) {
	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeSigned(jd jsonSignedDelegation) (SignedDelegation, error) {
	pub, err := hex.DecodeString(jd.Delegation.PubKey)
	if err != nil {
		return SignedDelegation{}, err
	}
	exp, err := strconv.ParseUint(jd.Delegation.Expiration, 16, 64)
	if err != nil {
		return SignedDelegation{}, err
	}
	sig, err := hex.DecodeString(jd.Signature)
	if err != nil {
		return SignedDelegation{}, err
	}
	d := SignedDelegation{
		Delegation: Delegation{PubKey: pub, Expiration: exp},
		Signature:  sig,
	}
	for _, raw := range jd.Delegation.Targets {
		t, err := hex.DecodeString(raw)
		if err != nil {
			return SignedDelegation{}, err
		}
		d.Delegation.Targets = append(d.Delegation.Targets, principal.Principal(t))
	}
	return d, nil
}
