// Package identity resolves caller identity from the inbound API key
// header. The canonical header name is x-api-key (see DESIGN.md Open
// Question 1 — the original source carried both x-api-key and
// x-securex-api-key across revisions; this gateway picks one name and
// documents it rather than silently accepting both).
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
)

// HeaderName is the single supported header carrying the raw API key.
const HeaderName = "x-api-key"

// ErrMissingKey is returned when the header is absent or empty. Raw-key
// format policy (minimum length, charset) is left to upstream — this
// package performs no length validation, per spec.md §4.2.
var ErrMissingKey = errors.New("missing_key")

// Extract reads the raw API key from the request headers.
func Extract(h http.Header) (string, error) {
	raw := h.Get(HeaderName)
	if raw == "" {
		return "", ErrMissingKey
	}
	return raw, nil
}

// Hash returns the lowercase hex SHA-256 digest of the UTF-8 bytes of raw.
// It is deterministic and total over all non-empty strings.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Validate extracts and hashes the raw key in one step. Raw keys never
// leave this function — callers only ever see the hash, so nothing
// upstream of here can accidentally log or persist a raw key.
func Validate(h http.Header) (string, error) {
	raw, err := Extract(h)
	if err != nil {
		return "", err
	}
	return Hash(raw), nil
}
