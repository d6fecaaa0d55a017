// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// Signature is a detached signature over a store object's or realisation's
// fingerprint, in the classic "key-name:base64(sig)" textual form.
type Signature struct {
	Name string
	Sig  []byte
}

// ParseSignature parses a signature in "key-name:base64(sig)" form.
func ParseSignature(s string) (Signature, error) {
	name, b64, ok := strings.Cut(s, ":")
	if !ok {
		return Signature{}, fmt.Errorf("parse signature %q: missing ':'", s)
	}
	if name == "" {
		return Signature{}, fmt.Errorf("parse signature %q: empty key name", s)
	}
	sig, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Signature{}, fmt.Errorf("parse signature %q: %v", s, err)
	}
	return Signature{Name: name, Sig: sig}, nil
}

// String returns sig in "key-name:base64(sig)" form.
func (sig Signature) String() string {
	return sig.Name + ":" + base64.StdEncoding.EncodeToString(sig.Sig)
}

// MarshalText implements [encoding.TextMarshaler].
func (sig Signature) MarshalText() ([]byte, error) {
	if sig.Name == "" {
		return nil, fmt.Errorf("marshal signature: empty key name")
	}
	return []byte(sig.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (sig *Signature) UnmarshalText(data []byte) error {
	parsed, err := ParseSignature(string(data))
	if err != nil {
		return err
	}
	*sig = parsed
	return nil
}

// Keyring holds the private signing keys a trusted store uses to attest to
// the store objects and realisations it produces or re-signs.
type Keyring struct {
	Ed25519 []ed25519.PrivateKey
}

// SignFingerprint signs fingerprint with every key in the keyring, naming
// each resulting signature after its key.
func (k *Keyring) SignFingerprint(names []string, fingerprint []byte) ([]Signature, error) {
	if len(names) != len(k.Ed25519) {
		return nil, fmt.Errorf("sign fingerprint: %d names for %d keys", len(names), len(k.Ed25519))
	}
	sigs := make([]Signature, 0, len(k.Ed25519))
	for i, priv := range k.Ed25519 {
		sigs = append(sigs, Signature{
			Name: names[i],
			Sig:  ed25519.Sign(priv, fingerprint),
		})
	}
	return sigs, nil
}

// VerifyFingerprint reports whether at least one signature in sigs
// validates fingerprint under a public key trusted carries for that
// signature's key name.
func VerifyFingerprint(fingerprint []byte, sigs []Signature, trusted map[string]ed25519.PublicKey) bool {
	for _, sig := range sigs {
		pub, ok := trusted[sig.Name]
		if !ok {
			continue
		}
		if ed25519.Verify(pub, fingerprint, sig.Sig) {
			return true
		}
	}
	return false
}
