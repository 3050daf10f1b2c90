// Package session persists the active delegation session under a single
// storage key.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"icpassword/go-client/internal/delegation"
	"icpassword/go-client/internal/principal"
	"icpassword/go-client/internal/storage"
)

// Key is the storage key the session record lives under.
const Key = "icpassword.session"

var ErrIncompleteRecord = errors.New("session record is incomplete")

// Record is a persisted session.
type Record struct {
	Chain     *delegation.Chain
	Principal principal.Principal
	ExpiresAt time.Time
}

type wireRecord struct {
	DelegationChain json.RawMessage `json:"delegationChain"`
	ExpiresAt       int64           `json:"expiresAt"`
	Principal       string          `json:"principal"`
}

type Store struct {
	backend storage.Storage
	logger  *slog.Logger
}

func NewStore(backend storage.Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger}
}

func (s *Store) Save(ctx context.Context, rec Record) error {
	raw, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, Key, raw); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Load returns the persisted record, or nil when none exists. A record that
// cannot be decoded is removed and reported as absent.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	raw, ok, err := s.backend.Get(ctx, Key)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	rec, err := Decode(raw)
	if err != nil {
		s.logger.Warn("discarding corrupt session record", "component", "session", "error", err.Error())
		if rmErr := s.backend.Remove(ctx, Key); rmErr != nil {
			s.logger.Warn("remove corrupt session record failed", "component", "session", "error", rmErr.Error())
		}
		return nil, nil
	}
	return rec, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Remove(ctx, Key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func Encode(rec Record) ([]byte, error) {
	if rec.Chain == nil || len(rec.Principal) == 0 {
		return nil, ErrIncompleteRecord
	}
	chainJSON, err := json.Marshal(rec.Chain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRecord{
		DelegationChain: chainJSON,
		ExpiresAt:       rec.ExpiresAt.UnixMilli(),
		Principal:       rec.Principal.String(),
	})
}

func Decode(raw []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if len(w.DelegationChain) == 0 || w.Principal == "" || w.ExpiresAt <= 0 {
		return nil, ErrIncompleteRecord
	}
	chain, err := delegation.Unmarshal(w.DelegationChain)
	if err != nil {
		return nil, err
	}
	p, err := principal.Parse(w.Principal)
	if err != nil {
		return nil, err
	}
	return &Record{
		Chain:     chain,
		Principal: p,
		ExpiresAt: time.UnixMilli(w.ExpiresAt),
	}, nil
}
