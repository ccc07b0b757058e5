// Package canonical implements deterministic JSON serialization and the
// hash-derived identifiers built on top of it. Canonical form follows RFC
// 8785 (JCS): object keys sorted, array order preserved, numbers in their
// shortest round-trip form. NaN and infinities are rejected before
// canonicalization by the JSON encoder.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the canonical JSON bytes of v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Canonicalize transforms raw JSON bytes into canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// SHA256Hex returns the lowercase hex SHA-256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hash returns the hex SHA-256 of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// HashBytes canonicalizes raw JSON and hashes it. Used for request payload
// hashing where the input is already serialized.
func HashBytes(raw []byte) (string, error) {
	b, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// HashPair combines two node hashes by hashing the canonical object
// {"left": l, "right": r}. This is the only pair combiner in the system;
// raw concatenation is deliberately not used.
func HashPair(left, right string) string {
	b, err := Marshal(map[string]string{"left": left, "right": right})
	if err != nil {
		// Two hex strings always canonicalize.
		panic(fmt.Sprintf("canonical: hash pair: %v", err))
	}
	return SHA256Hex(b)
}

// ID derives a stable identifier "<prefix>_<16 hex>" from the canonical
// form of v.
func ID(prefix string, v any) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return prefix + "_" + h[:16], nil
}
