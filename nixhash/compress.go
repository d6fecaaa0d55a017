// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package nixhash

// CompressHash folds src into dst by XORing each source byte into
// dst[i%len(dst)], so that a digest longer than dst can still be packed into
// a shorter fixed-size field (store path digests are always compressed to
// 20 bytes before base-32 encoding, regardless of which hash algorithm
// produced the original digest).
func CompressHash(dst, src []byte) {
	clear(dst)
	for i, b := range src {
		dst[i%len(dst)] ^= b
	}
}
