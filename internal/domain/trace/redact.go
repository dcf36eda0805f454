package trace

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RedactionMode controls how identifying values in payloads are
// handled before they reach the store or an export.
type RedactionMode string

const (
	// RedactOff stores payloads verbatim.
	RedactOff RedactionMode = "off"
	// RedactMask replaces sensitive values with a fixed marker.
	RedactMask RedactionMode = "redact"
	// RedactTokenize replaces sensitive values with a deterministic
	// salted token so equal inputs stay correlatable.
	RedactTokenize RedactionMode = "tokenize"
)

const redactedMarker = "***REDACTED***"

// sensitiveKeywords lists substrings that mark an argument key as
// sensitive. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
	"ssn", "email", "phone",
}

// Redactor applies the configured redaction mode to payload maps.
// The salt is process-global configuration; the same input always
// yields the same token within a deployment.
type Redactor struct {
	mode RedactionMode
	salt []byte
}

// NewRedactor creates a redactor for the given mode and salt.
func NewRedactor(mode RedactionMode, salt string) *Redactor {
	if mode == "" {
		mode = RedactOff
	}
	return &Redactor{mode: mode, salt: []byte(salt)}
}

// Mode returns the active redaction mode.
func (r *Redactor) Mode() RedactionMode { return r.mode }

// Apply returns a copy of payload with sensitive values handled per
// the active mode. Nested maps are walked; other values pass through.
func (r *Redactor) Apply(payload map[string]any) map[string]any {
	if r.mode == RedactOff || len(payload) == 0 {
		return payload
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch {
		case isSensitiveKey(k):
			out[k] = r.replace(v)
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = r.Apply(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func (r *Redactor) replace(v any) any {
	if r.mode == RedactMask {
		return redactedMarker
	}
	s, ok := v.(string)
	if !ok {
		return redactedMarker
	}
	return r.Token(s)
}

// Token returns the deterministic salted token for a value.
func (r *Redactor) Token(value string) string {
	mac := hmac.New(sha256.New, r.salt)
	mac.Write([]byte(value))
	return "tok_" + hex.EncodeToString(mac.Sum(nil))[:32]
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
