// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package detect

import (
	"cmp"
	"slices"
)

// RefFinder records which of a set of search strings occur anywhere in a
// byte stream written to it via [RefFinder.Write]/[RefFinder.WriteString].
// It is used to scan a freshly built output's NAR for the digest of any
// input it may reference, without buffering the whole NAR in memory.
type RefFinder struct {
	root    *refFinderNode
	threads []*refFinderNode
	found   map[string]struct{}
}

// NewRefFinder returns a new [RefFinder] that searches for the given
// strings (typically store-path hash parts).
func NewRefFinder(search []string) *RefFinder {
	rf := &RefFinder{
		root:  buildRefFinderTree(search),
		found: make(map[string]struct{}),
	}
	return rf
}

func buildRefFinderTree(search []string) *refFinderNode {
	root := new(refFinderNode)
	for _, s := range search {
		curr := root
		for _, b := range []byte(s) {
			if i, ok := curr.find(b); ok {
				curr = curr.children[i]
			} else {
				newNode := &refFinderNode{b: b}
				curr.children = slices.Insert(curr.children, i, newNode)
				curr = newNode
			}
		}
		curr.match = s
	}
	return root
}

// Found returns the set of search strings found in the written content so
// far, in sorted order.
func (rf *RefFinder) Found() []string {
	out := make([]string, 0, len(rf.found))
	for s := range rf.found {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Write implements [io.Writer].
func (rf *RefFinder) Write(p []byte) (int, error) {
	for _, b := range p {
		rf.write(b)
	}
	return len(p), nil
}

// WriteString implements [io.StringWriter].
func (rf *RefFinder) WriteString(s string) (int, error) {
	for i := 0; i < len(s); i++ {
		rf.write(s[i])
	}
	return len(s), nil
}

// write advances every live search thread by one byte, spawning a new
// thread rooted at rf.root for each byte written so matches starting
// anywhere in the stream are found.
func (rf *RefFinder) write(b byte) {
	rf.threads = append(rf.threads, rf.root)

	n := 0
	for _, curr := range rf.threads {
		i, ok := curr.find(b)
		if !ok {
			continue
		}
		next := curr.children[i]
		if next.match != "" {
			rf.found[next.match] = struct{}{}
		}
		if len(next.children) > 0 {
			rf.threads[n] = next
			n++
		}
	}
	clear(rf.threads[n:])
	rf.threads = rf.threads[:n]
}

type refFinderNode struct {
	b        byte
	match    string
	children []*refFinderNode
}

func (node *refFinderNode) find(b byte) (i int, ok bool) {
	return slices.BinarySearchFunc(node.children, b, func(child *refFinderNode, b byte) int {
		return cmp.Compare(child.b, b)
	})
}
