// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// PublicKey is a trusted ed25519 public key in the classic
// "key-name:base64(pubkey)" textual form, the same shape
// [lix.dev/core/store.Signature] uses for signatures themselves.
type PublicKey struct {
	Name string
	Data ed25519.PublicKey
}

// ParsePublicKey parses a public key in "key-name:base64(pubkey)" form.
func ParsePublicKey(s string) (PublicKey, error) {
	name, b64, ok := strings.Cut(s, ":")
	if !ok {
		return PublicKey{}, fmt.Errorf("parse public key %q: missing ':'", s)
	}
	if name == "" {
		return PublicKey{}, fmt.Errorf("parse public key %q: empty key name", s)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parse public key %q: %v", s, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("parse public key %q: wrong size (decoded is %d instead of %d bytes)", s, len(raw), ed25519.PublicKeySize)
	}
	return PublicKey{Name: name, Data: ed25519.PublicKey(raw)}, nil
}

// String returns k in "key-name:base64(pubkey)" form.
func (k PublicKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.Data)
}

// MarshalText implements [encoding.TextMarshaler].
func (k PublicKey) MarshalText() ([]byte, error) {
	if k.Name == "" {
		return nil, fmt.Errorf("marshal public key: empty key name")
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *PublicKey) UnmarshalText(data []byte) error {
	parsed, err := ParsePublicKey(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
