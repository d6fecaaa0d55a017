// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/ed25519"
	"testing"
)

func TestDrvOutputRoundTrip(t *testing.T) {
	h := mustParseHash(t, "sha256:00xyyr3fi8l6hb839bv3f7yb86yjv7xi1cgh1xnhipym4asvb4aq")
	id := DrvOutput{DrvHash: h, OutputName: "out"}
	s := id.String()
	got, err := ParseDrvOutput(s)
	if err != nil {
		t.Fatal(err)
	}
	if got.OutputName != "out" || !got.DrvHash.Equal(h) {
		t.Errorf("ParseDrvOutput(%q) = %+v, want %+v", s, got, id)
	}
}

func TestRealisationJSONRoundTrip(t *testing.T) {
	h := mustParseHash(t, "sha256:00xyyr3fi8l6hb839bv3f7yb86yjv7xi1cgh1xnhipym4asvb4aq")
	r := &Realisation{
		ID:      DrvOutput{DrvHash: h, OutputName: "out"},
		OutPath: "/lix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
	}
	data, err := r.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	got := new(Realisation)
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v\ndata: %s", err, data)
	}
	if got.OutPath != r.OutPath {
		t.Errorf("OutPath = %q, want %q", got.OutPath, r.OutPath)
	}
	if got.ID.OutputName != "out" {
		t.Errorf("ID.OutputName = %q, want %q", got.ID.OutputName, "out")
	}
}

func TestVerifyFingerprint(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	k := &Keyring{Ed25519: []ed25519.PrivateKey{priv}}
	fingerprint := []byte("1;/lix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello;sha256:abc;100;")
	sigs, err := k.SignFingerprint([]string{"cache.lix.systems-1"}, fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	trusted := map[string]ed25519.PublicKey{"cache.lix.systems-1": pub}
	if !VerifyFingerprint(fingerprint, sigs, trusted) {
		t.Error("VerifyFingerprint = false, want true")
	}
	if VerifyFingerprint([]byte("tampered"), sigs, trusted) {
		t.Error("VerifyFingerprint of tampered fingerprint = true, want false")
	}
}
