// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package buildhook

import (
	"encoding/binary"
	"fmt"
	"io"
)

// stringAlign matches nar.stringAlign: every string on the wire is a
// u64-le length, the bytes themselves, then zero padding out to a
// multiple of 8 — the same primitive spec.md 4.1/6 uses for NAR strings,
// reused here for the settings stream's own framing.
const stringAlign = 8

func padding(n int) int {
	if off := n % stringAlign; off != 0 {
		return stringAlign - off
	}
	return 0
}

func appendUint64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

func appendString(dst []byte, s string) []byte {
	dst = appendUint64(dst, uint64(len(s)))
	dst = append(dst, s...)
	if pad := padding(len(s)); pad > 0 {
		var zero [stringAlign]byte
		dst = append(dst, zero[:pad]...)
	}
	return dst
}

// writeSetting appends one (name, value) pair to the settings stream,
// tagged 1 (continue) per spec.md 6's "binary framed stream of
// (setting-name, setting-value) pairs terminated by an empty name".
func writeSetting(w io.Writer, name, value string) error {
	var buf []byte
	buf = appendUint64(buf, 1)
	buf = appendString(buf, name)
	buf = appendString(buf, value)
	_, err := w.Write(buf)
	return err
}

// writeSettingsEnd appends the stream terminator: a bare tag of 0.
func writeSettingsEnd(w io.Writer) error {
	_, err := w.Write(appendUint64(nil, 0))
	return err
}

// writeProposal appends the per-build proposal frame this reimplementation
// sends after the settings stream: the two strings the hook needs to
// decide whether to accept. spec.md 6 says only that the hook "sends
// accept/decline per proposed build" without defining the proposal's
// payload; drvPath and system are what the teacher's own equivalent
// dispatch decision (see internal/build.Goal.build) keys on, so that is
// what is sent.
func writeProposal(w io.Writer, drvPath, system string) error {
	var buf []byte
	buf = appendString(buf, drvPath)
	buf = appendString(buf, system)
	_, err := w.Write(buf)
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if pad := padding(int(n)); pad > 0 {
		var discard [stringAlign]byte
		if _, err := io.ReadFull(r, discard[:pad]); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

// readSettings reads a settings stream written by writeSetting/
// writeSettingsEnd back into a map — used by tests standing in for a
// build-hook program.
func readSettings(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	for {
		tag, err := readUint64(r)
		if err != nil {
			return nil, fmt.Errorf("buildhook: read settings tag: %w", err)
		}
		if tag == 0 {
			return out, nil
		}
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("buildhook: read setting name: %w", err)
		}
		value, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("buildhook: read setting value: %w", err)
		}
		out[name] = value
	}
}
