// Package signing produces and verifies the detached MAC signatures carried
// by event envelopes and receipts. A signature covers the canonical JSON of
// the document with its "signature" field removed, and names the key it was
// produced with so keys can be rotated without breaking verification.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/SwapGraph-Network/clearing_engine/internal/canonical"
)

// Alg is the only MAC algorithm in use.
const Alg = "HMAC-SHA256"

// Signature is a detached MAC over a document's canonical form.
type Signature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"key_id"`
	MAC   string `json:"mac"`
}

// Signer holds a keyring and the id of the key used for new signatures.
type Signer struct {
	keys   map[string][]byte
	active string
}

// New builds a signer with a single active key.
func New(keyID string, secret []byte) *Signer {
	return &Signer{keys: map[string][]byte{keyID: secret}, active: keyID}
}

// AddKey registers an additional verification key.
func (s *Signer) AddKey(keyID string, secret []byte) {
	s.keys[keyID] = secret
}

// ActiveKeyID returns the key id used for new signatures.
func (s *Signer) ActiveKeyID() string { return s.active }

// signingBytes returns the canonical form of doc minus its signature field.
// The "sequence" field is excluded as well: the event store assigns it after
// signing, and served envelopes must still verify.
func signingBytes(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("signing: document must be a JSON object: %w", err)
	}
	delete(generic, "signature")
	delete(generic, "sequence")
	return canonical.Marshal(generic)
}

// Sign returns the detached signature for doc. Any existing "signature"
// field on doc is ignored.
func (s *Signer) Sign(doc any) (*Signature, error) {
	key, ok := s.keys[s.active]
	if !ok {
		return nil, fmt.Errorf("signing: active key %q not in keyring", s.active)
	}
	payload, err := signingBytes(doc)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return &Signature{
		Alg:   Alg,
		KeyID: s.active,
		MAC:   hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

// Verify recomputes the MAC for doc under the key named by sig and compares
// in constant time.
func (s *Signer) Verify(doc any, sig *Signature) error {
	if sig == nil {
		return fmt.Errorf("signing: missing signature")
	}
	if sig.Alg != Alg {
		return fmt.Errorf("signing: unsupported algorithm %q", sig.Alg)
	}
	key, ok := s.keys[sig.KeyID]
	if !ok {
		return fmt.Errorf("signing: unknown key id %q", sig.KeyID)
	}
	payload, err := signingBytes(doc)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	want := mac.Sum(nil)
	got, err := hex.DecodeString(sig.MAC)
	if err != nil {
		return fmt.Errorf("signing: malformed mac: %w", err)
	}
	if !hmac.Equal(want, got) {
		return fmt.Errorf("signing: mac mismatch for key %q", sig.KeyID)
	}
	return nil
}
