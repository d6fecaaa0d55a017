// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package detect provides streaming byte-stream analyzers used by the store
// and build engine: a hash-modulo reader that treats a self-reference
// placeholder as zero while hashing, and a multi-string reference scanner
// used to compute the reference set of a freshly built output.
package detect

import (
	"bytes"
	"io"
)

// ModuloReader wraps an underlying reader, replacing every occurrence of a
// fixed-length placeholder string with an equal-length all-zero string and
// recording the byte offsets where the placeholder occurred. It is used to
// compute the hash of a store object's serialization "modulo" its own
// self-references, so that a content-addressed path may legally refer to
// itself without the hash depending on where that path was computed to be.
type ModuloReader struct {
	r   io.Reader
	old string

	pos     int64
	offsets []int64
	err     error

	buf       []byte
	processed int
}

// NewModuloReader returns a new [ModuloReader] that reads from r, replacing
// every occurrence of placeholder with an equal number of zero bytes.
func NewModuloReader(placeholder string, r io.Reader) *ModuloReader {
	return &ModuloReader{
		r:   r,
		old: placeholder,
		buf: make([]byte, 0, len(placeholder)),
	}
}

// Offsets returns the offsets, in ascending order, at which the placeholder
// has been found so far.
func (mr *ModuloReader) Offsets() []int64 {
	return append([]int64(nil), mr.offsets...)
}

// Read implements [io.Reader]. It may consume more bytes from the
// underlying reader than it returns, holding back enough to detect whether
// a match spans the end of the internal buffer.
func (mr *ModuloReader) Read(p []byte) (n int, err error) {
	if n = mr.copyBuffered(p); n > 0 {
		if len(mr.buf) == 0 {
			return n, mr.err
		}
		return n, nil
	}
	if len(p) == 0 {
		if len(mr.buf) == 0 {
			return 0, mr.err
		}
		return 0, nil
	}

	dst := p
	nread := len(mr.buf)
	useInternalBuffer := len(p) < cap(mr.buf)
	if useInternalBuffer {
		dst = mr.buf[:cap(mr.buf)]
	} else {
		copy(p, mr.buf)
	}
	nprocessed := 0
	for nprocessed == 0 && mr.err == nil {
		var nn int
		nn, mr.err = readAtLeast1(mr.r, dst[nread:])
		nread += nn
		nprocessed, mr.offsets = zeroOccurrences(mr.old, mr.offsets, mr.pos, dst[:nread], mr.err != nil)
	}
	if useInternalBuffer {
		n = copy(p, dst[:nprocessed])
	} else {
		n = nprocessed
	}
	newBufLen := copy(mr.buf[:cap(mr.buf)], dst[n:nread])
	mr.buf = mr.buf[:newBufLen]
	mr.processed = nprocessed - n
	mr.pos += int64(nread - newBufLen)
	if newBufLen == 0 {
		return n, mr.err
	}
	return n, nil
}

func (mr *ModuloReader) copyBuffered(p []byte) int {
	n := copy(p, mr.buf[:mr.processed])
	copy(mr.buf, mr.buf[n:])
	mr.buf = mr.buf[:len(mr.buf)-n]
	mr.processed -= n
	mr.pos += int64(n)
	return n
}

// zeroOccurrences zeroes out any occurrences of old found in p, appending
// their absolute offsets (start+index) to offsets, and returns the number of
// leading bytes of p that are safe to hand back to the caller (i.e. cannot
// be part of a match that hasn't fully arrived yet, unless eof is true).
func zeroOccurrences(old string, offsets []int64, start int64, p []byte, eof bool) (int, []int64) {
	if old == "" {
		return len(p), offsets
	}
	nprocessed := 0
	searchEnd := len(p)
	if eof {
		searchEnd = max(0, len(p)-len(old)+1)
	}
	for {
		i := bytes.IndexByte(p[nprocessed:searchEnd], old[0])
		if i == -1 {
			return len(p), offsets
		}
		switch pi := p[nprocessed+i:]; {
		case len(old) <= len(pi) && string(pi[1:len(old)]) == old[1:]:
			offsets = append(offsets, start+int64(nprocessed+i))
			clear(pi[:len(old)])
			nprocessed += i + len(old)
		case len(old) > len(pi) && string(pi[1:]) == old[1:len(pi)]:
			nprocessed += i
			return nprocessed, offsets
		default:
			nprocessed += i + 1
		}
	}
}

func readAtLeast1(r io.Reader, buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, io.ErrShortBuffer
	}
	for i := 0; n == 0 && err == nil && i < 100; i++ {
		n, err = r.Read(buf[n:])
	}
	if n == 0 && err == nil {
		err = io.ErrNoProgress
	}
	return
}
