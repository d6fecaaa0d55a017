// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package detect

import (
	"fmt"
	"io"
)

// StreamRewriter streams bytes from an underlying reader, substituting any
// occurrence of a key in an equal-length-per-pair substitution map with its
// replacement, in one pass. It implements a longest-match-at-position
// policy: at each position, the longest matching key is substituted, so
// that a substitution map containing both a string and a prefix of it never
// produces an ambiguous result. Matches that would span the boundary of the
// internal read-ahead window are deferred until enough of the underlying
// stream has been read to resolve them, or until EOF proves no match is
// possible.
type StreamRewriter struct {
	r        io.Reader
	subs     map[string]string
	maxKey   int
	buf      []byte
	eof      bool
	err      error
	outBuf   []byte
	outStart int
}

// NewStreamRewriter returns a [StreamRewriter] that reads from r and applies
// subs, a map from equal-length old strings to their replacements.
// It returns an error if any pair in subs has mismatched lengths.
func NewStreamRewriter(r io.Reader, subs map[string]string) (*StreamRewriter, error) {
	maxKey := 0
	for old, new := range subs {
		if len(old) != len(new) {
			return nil, fmt.Errorf("new stream rewriter: substitution %q -> %q changes length", old, new)
		}
		if len(old) == 0 {
			return nil, fmt.Errorf("new stream rewriter: empty substitution key")
		}
		if len(old) > maxKey {
			maxKey = len(old)
		}
	}
	return &StreamRewriter{r: r, subs: subs, maxKey: maxKey}, nil
}

// Read implements [io.Reader].
func (sr *StreamRewriter) Read(p []byte) (int, error) {
	for len(sr.outBuf)-sr.outStart == 0 {
		if sr.err != nil && sr.err != io.EOF {
			return 0, sr.err
		}
		if sr.eof && len(sr.buf) == 0 {
			if sr.err != nil {
				return 0, sr.err
			}
			return 0, io.EOF
		}
		if err := sr.fill(); err != nil && err != io.EOF {
			return 0, err
		}
		sr.emit()
	}
	n := copy(p, sr.outBuf[sr.outStart:])
	sr.outStart += n
	if sr.outStart == len(sr.outBuf) {
		sr.outBuf = sr.outBuf[:0]
		sr.outStart = 0
	}
	return n, nil
}

// fill reads more data from the underlying reader into sr.buf.
func (sr *StreamRewriter) fill() error {
	if sr.eof {
		return io.EOF
	}
	chunk := make([]byte, 32*1024)
	n, err := sr.r.Read(chunk)
	sr.buf = append(sr.buf, chunk[:n]...)
	if err != nil {
		sr.eof = true
		if err != io.EOF {
			sr.err = err
		}
		return err
	}
	return nil
}

// emit scans sr.buf for substitutions, appending the rewritten prefix it
// can safely resolve (i.e. that cannot be extended into a longer match by
// more bytes arriving later) to sr.outBuf, and retaining the unresolved
// suffix (shorter than maxKey) in sr.buf for the next call.
func (sr *StreamRewriter) emit() {
	safeLen := len(sr.buf)
	if !sr.eof {
		safeLen = max(0, len(sr.buf)-sr.maxKey+1)
	}
	i := 0
	for i < safeLen {
		if newStr, matchLen, ok := sr.longestMatchAt(sr.buf[i:]); ok {
			sr.outBuf = append(sr.outBuf, newStr...)
			i += matchLen
		} else {
			sr.outBuf = append(sr.outBuf, sr.buf[i])
			i++
		}
	}
	sr.buf = sr.buf[:copy(sr.buf, sr.buf[i:])]
}

// longestMatchAt finds the longest key in sr.subs that is a prefix of p,
// returning its replacement and length.
func (sr *StreamRewriter) longestMatchAt(p []byte) (replacement string, length int, ok bool) {
	best := -1
	var bestNew string
	for old, new := range sr.subs {
		if len(old) > len(p) {
			continue
		}
		if string(p[:len(old)]) != old {
			continue
		}
		if len(old) > best {
			best = len(old)
			bestNew = new
		}
	}
	if best < 0 {
		return "", 0, false
	}
	return bestNew, best, true
}
