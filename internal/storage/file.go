package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"icpassword/go-client/internal/securestore"
)

var (
	ErrUnsupportedSchema = errors.New("unsupported storage schema version")
	errCorruptDocument   = errors.New("storage document is corrupt")
)

const fileSchemaVersion = 1

type fileState struct {
	Version int               `json:"version"`
	Items   map[string][]byte `json:"items"`
}

// File keeps every key in a single JSON document. When secret is set the
// document is sealed with securestore and bound to the file's schema tag.
// A document that cannot be opened or decoded reads as empty and is
// replaced by the next write.
type File struct {
	mu     sync.Mutex
	path   string
	secret string
	logger *slog.Logger
}

func NewFile(path, secret string, opts ...Option) *File {
	o := collectOptions(opts)
	return &File{path: path, secret: strings.TrimSpace(secret), logger: o.logger}
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.loadOrReset()
	if err != nil {
		return nil, false, err
	}
	v, ok := state.Items[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v), true, nil
}

func (f *File) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.loadOrReset()
	if err != nil {
		return err
	}
	state.Items[key] = cloneBytes(value)
	return f.save(state)
}

func (f *File) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.loadOrReset()
	if err != nil {
		return err
	}
	if _, ok := state.Items[key]; !ok {
		return nil
	}
	delete(state.Items, key)
	return f.save(state)
}

// loadOrReset returns an empty state in place of a corrupt document. I/O
// failures and unknown schema versions are still reported.
func (f *File) loadOrReset() (fileState, error) {
	state, err := f.load()
	if errors.Is(err, errCorruptDocument) {
		f.logger.Warn("discarding unreadable storage document", "component", "storage", "path", f.path, "error", err.Error())
		return emptyFileState(), nil
	}
	return state, err
}

func emptyFileState() fileState {
	return fileState{Version: fileSchemaVersion, Items: make(map[string][]byte)}
}

func (f *File) load() (fileState, error) {
	state := emptyFileState()
	raw, err := securestore.ReadFile(f.path, f.secret, f.aad())
	switch {
	case errors.Is(err, securestore.ErrAuthFailed), errors.Is(err, securestore.ErrInvalid), errors.Is(err, securestore.ErrPlaintext):
		return state, fmt.Errorf("%w: open %s: %v", errCorruptDocument, f.path, err)
	case err != nil:
		return state, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return emptyFileState(), fmt.Errorf("%w: decode %s: %v", errCorruptDocument, f.path, err)
	}
	if state.Version != fileSchemaVersion {
		return state, fmt.Errorf("%w: %d", ErrUnsupportedSchema, state.Version)
	}
	if state.Items == nil {
		state.Items = make(map[string][]byte)
	}
	return state, nil
}

func (f *File) save(state fileState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return securestore.WriteFile(f.path, f.secret, f.aad(), raw)
}

func (f *File) aad() []byte {
	return []byte(fmt.Sprintf("icpassword/storage/file/v%d", fileSchemaVersion))
}
