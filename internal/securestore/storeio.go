package securestore

import (
	"os"
	"path/filepath"
	"strings"
)

// IsConfigured reports whether a non-empty secret was supplied.
func IsConfigured(secret string) bool {
	return strings.TrimSpace(secret) != ""
}

// ReadFile reads path and opens it when secret is set. A missing file
// yields (nil, nil).
func ReadFile(path, secret string, aad []byte) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 || !IsConfigured(secret) {
		return raw, nil
	}
	return Open(secret, aad, raw)
}

// WriteFile seals data when secret is set and replaces path via a
// temporary file in the same directory.
func WriteFile(path, secret string, aad, data []byte) error {
	if IsConfigured(secret) {
		sealed, err := Seal(secret, aad, data)
		if err != nil {
			return err
		}
		data = sealed
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
