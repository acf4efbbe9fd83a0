// Package fingerprint content-addresses response bodies, URLs and domain names.
//
// A Fingerprint is the lowercase hex SHA-256 of its input. It is the join key
// between the classification lists, the redaction table and the audit log.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Size is the length of a Fingerprint in characters.
const Size = sha256.Size * 2

// ErrInvalid is returned by Parse for strings that are not 64 hex characters.
var ErrInvalid = errors.New("fingerprint: expected 64 hex characters")

// Fingerprint is a lowercase hex SHA-256 digest.
type Fingerprint string

// Of returns the fingerprint of b.
func Of(b []byte) Fingerprint {
	sum := sha256.Sum256(b)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// OfString returns the fingerprint of the UTF-8 bytes of s.
func OfString(s string) Fingerprint {
	return Of([]byte(s))
}

// Parse validates s and returns it as a Fingerprint, lowercased.
func Parse(s string) (Fingerprint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != Size {
		return "", ErrInvalid
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", ErrInvalid
	}
	return Fingerprint(s), nil
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 characters, for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
