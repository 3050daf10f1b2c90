// Package privacylog wraps a slog.Handler so credentials never reach the
// log sink and account identifiers are logged only as per-process
// fingerprints.
package privacylog

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

type treatment uint8

const (
	passThrough treatment = iota
	redact
	fingerprint
)

var (
	processKey = newProcessKey()

	fingerprintedKeys = map[string]struct{}{
		"username":    {},
		"user_id":     {},
		"principal":   {},
		"session_key": {},
		"identity_id": {},
	}
	sensitiveKeyParts = []string{"password", "passphrase", "secret", "token", "seed", "private", "signature"}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

// NewLogger builds a sanitized logger writing text or JSON lines to w.
func NewLogger(w io.Writer, level slog.Level, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(WrapHandler(slog.NewJSONHandler(w, opts)))
	}
	return slog.New(WrapHandler(slog.NewTextHandler(w, opts)))
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts or fingerprints a single attribute, descending into
// groups.
func SanitizeAttr(a slog.Attr) slog.Attr {
	key := strings.TrimSpace(a.Key)
	switch classify(key) {
	case redact:
		return slog.String(key, redactedValue)
	case fingerprint:
		return slog.String(fingerprintKeyName(key), FingerprintID(a.Value.Resolve().String()))
	}
	if a.Value.Kind() == slog.KindGroup {
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(a.Value.Group())...)}
	}
	return a
}

// SanitizeArgs applies the same rules to a key/value argument list.
// Non-string keys and a trailing odd value are passed through.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for len(args) > 0 {
		key, ok := args[0].(string)
		if !ok || len(args) == 1 {
			out = append(out, args[0])
			args = args[1:]
			continue
		}
		value := args[1]
		args = args[2:]
		switch classify(key) {
		case redact:
			value = redactedValue
		case fingerprint:
			key, value = fingerprintKeyName(key), FingerprintID(fmt.Sprint(value))
		}
		out = append(out, key, value)
	}
	return out
}

// FingerprintID maps value to a token that is stable for the life of the
// process and unlinkable across processes.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	mac := hmac.New(sha256.New, processKey)
	mac.Write([]byte(trimmed))
	return "fp_" + hex.EncodeToString(mac.Sum(nil)[:8])
}

func classify(key string) treatment {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return redact
		}
	}
	if _, ok := fingerprintedKeys[lower]; ok {
		return fingerprint
	}
	return passThrough
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = SanitizeAttr(a)
	}
	return out
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func newProcessKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("privacylog: read process key: %v", err))
	}
	return key
}
