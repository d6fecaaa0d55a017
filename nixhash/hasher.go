// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package nixhash

import (
	"hash"
	"io"
)

// Hasher incrementally computes a [Hash], implementing [io.Writer] and
// [io.StringWriter] so it can be used as the sink of an [io.Copy] or a
// [io.MultiWriter] fan-out alongside a file or socket write.
type Hasher struct {
	algo Algorithm
	h    hash.Hash
}

// NewHasher returns a new [Hasher] for the given algorithm.
// It panics if algo is not recognized.
func NewHasher(algo Algorithm) *Hasher {
	h, err := algo.new()
	if err != nil {
		panic(err)
	}
	return &Hasher{algo: algo, h: h}
}

// Write implements [io.Writer].
func (hr *Hasher) Write(p []byte) (int, error) {
	return hr.h.Write(p)
}

// WriteString implements [io.StringWriter].
func (hr *Hasher) WriteString(s string) (int, error) {
	return io.WriteString(hr.h, s)
}

// Reset resets the hasher to its initial state, ready to sum a new stream.
func (hr *Hasher) Reset() {
	hr.h.Reset()
}

// SumHash returns the [Hash] of the bytes written so far without resetting
// the hasher.
func (hr *Hasher) SumHash() Hash {
	digest := hr.h.Sum(nil)
	return Hash{algo: hr.algo, digest: digest}
}
