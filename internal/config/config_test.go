// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package config

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	got := Default()
	if got.StoreDirectory == "" {
		t.Error("Default().StoreDirectory is empty")
	}
	if got.StoreSocket == "" {
		t.Error("Default().StoreSocket is empty")
	}
	if got.MaxJobs < 1 {
		t.Errorf("Default().MaxJobs = %d, want >= 1", got.MaxJobs)
	}
}

func TestMergeFiles(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  Config
	}{
		{
			name: "MergeScalar",
			files: []string{
				`{"debug": true, "storeDirectory": "/foo"}` + "\n",
				`{"storeDirectory": "/bar"}` + "\n",
			},
			want: Config{
				Debug:          true,
				StoreDirectory: "/bar",
			},
		},
		{
			name: "MergeSubstitutersAccumulate",
			files: []string{
				`{"substituters": [{"url": "https://cache1.example.org", "priority": 10}]}` + "\n",
				`{"substituters": [{"url": "https://cache2.example.org", "priority": 20}]}` + "\n",
			},
			want: Config{
				Substituters: []SubstituterConfig{
					{URL: "https://cache1.example.org", Priority: 10},
					{URL: "https://cache2.example.org", Priority: 20},
				},
			},
		},
		{
			name: "TrustedPublicKeysWithComment",
			files: []string{
				"{\n  // a trusted key\n  \"trustedPublicKeys\": [\"cache.example.org-1:" + testPublicKeyB64 + "\"],\n}\n",
			},
			want: Config{
				TrustedPublicKeys: []PublicKey{
					{Name: "cache.example.org-1", Data: mustDecodeKey(t, testPublicKeyB64)},
				},
			},
		},
		{
			name: "BuildHook",
			files: []string{
				`{"buildHookProgram": "/opt/lix/build-remote", "buildHookArgs": ["--max-jobs", "4"]}` + "\n",
			},
			want: Config{
				BuildHookProgram: "/opt/lix/build-remote",
				BuildHookArgs:    []string{"--max-jobs", "4"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dir := t.TempDir()
			paths := make([]string, len(test.files))
			for i, content := range test.files {
				path := filepath.Join(dir, fmt.Sprintf("config%d.jwcc", i+1))
				if err := os.WriteFile(path, []byte(content), 0o666); err != nil {
					t.Fatal(err)
				}
				paths[i] = path
			}

			got := new(Config)
			if err := got.mergeFiles(slices.Values(paths)); err != nil {
				t.Fatal("mergeFiles:", err)
			}
			if diff := cmp.Diff(&test.want, got); diff != "" {
				t.Errorf("-want +got:\n%s", diff)
			}
		})
	}
}

func TestMergeFilesMissing(t *testing.T) {
	c := new(Config)
	if err := c.mergeFiles(slices.Values([]string{filepath.Join(t.TempDir(), "does-not-exist.jwcc")})); err != nil {
		t.Errorf("mergeFiles with a missing file returned an error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Config
		wantErr bool
	}{
		{
			name: "Valid",
			c:    Config{StoreDirectory: "/lix/store", StoreSocket: "/lix/var/lix/daemon.sock"},
		},
		{
			name:    "RelativeStoreDirectory",
			c:       Config{StoreDirectory: "lix/store", StoreSocket: "/lix/var/lix/daemon.sock"},
			wantErr: true,
		},
		{
			name:    "EmptySocket",
			c:       Config{StoreDirectory: "/lix/store"},
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.c.validate()
			if got := err != nil; got != test.wantErr {
				t.Errorf("validate() error = %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestTrustedKeys(t *testing.T) {
	c := &Config{
		TrustedPublicKeys: []PublicKey{
			{Name: "cache.example.org-1", Data: mustDecodeKey(t, testPublicKeyB64)},
		},
	}
	trusted := c.TrustedKeys()
	if _, ok := trusted["cache.example.org-1"]; !ok {
		t.Error("TrustedKeys() missing cache.example.org-1")
	}
}

// testPublicKeyB64 is the base64 encoding of 32 arbitrary bytes, sized
// like a real ed25519 public key.
const testPublicKeyB64 = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

func mustDecodeKey(t *testing.T, b64 string) ed25519.PublicKey {
	t.Helper()
	k, err := ParsePublicKey("x:" + b64)
	if err != nil {
		t.Fatal(err)
	}
	return k.Data
}
