// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// compliant bytes and SHA-256 digests for RMOS payloads. Every payload
// hash in the artifact store (payload_sha256, inputs_fingerprint,
// config_fingerprint) flows through this package so that identical
// values always hash identically.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshaled with its json tags, then transformed: keys sorted
// by UTF-16 code units, no HTML escaping, ES6 number formatting.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Text returns the canonical byte form of a text payload: valid UTF-8,
// normalized to NFC. Two visually identical strings with different
// combining-character encodings hash identically.
func Text(s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("canonicalize: invalid UTF-8 string")
	}
	return []byte(norm.NFC.String(s)), nil
}

// Payload canonicalizes an arbitrary advisory or engine payload. Strings
// are NFC-normalized text, []byte passes through, everything else becomes
// canonical JSON. Returns the canonical bytes, their digest, and the MIME
// type they should be stored under.
func Payload(raw any) (data []byte, sha string, mime string, err error) {
	switch v := raw.(type) {
	case string:
		data, err = Text(v)
		mime = "text/plain"
	case []byte:
		data = v
		mime = "application/octet-stream"
	case json.RawMessage:
		data, err = jcs.Transform(v)
		mime = "application/json"
	default:
		data, err = JCS(v)
		mime = "application/json"
	}
	if err != nil {
		return nil, "", "", err
	}
	return data, HashBytes(data), mime, nil
}
