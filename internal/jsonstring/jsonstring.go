// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package jsonstring appends quoted JSON string literals to a byte slice
// without going through encoding/json, for the hot framing path in
// internal/jsonrpc.
package jsonstring

import "unicode/utf8"

const hex = "0123456789abcdef"

const (
	lineSeparator      rune = ' '
	paragraphSeparator rune = ' '
)

// Append appends the JSON-quoted encoding of s, including the
// surrounding double quotes, to dst and returns the extended buffer.
// Invalid UTF-8 is replaced with U+FFFD and the line/paragraph
// separators U+2028/U+2029 are escaped, as encoding/json does. The HTML
// characters <, > and & are written as they are, not escaped.
func Append(dst []byte, s string) []byte {
	dst = append(dst, '"')
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			if c >= 0x20 && c != '"' && c != '\\' {
				i++
				continue
			}
			dst = append(dst, s[start:i]...)
			switch c {
			case '"', '\\':
				dst = append(dst, '\\', c)
			case '\n':
				dst = append(dst, '\\', 'n')
			case '\r':
				dst = append(dst, '\\', 'r')
			case '\t':
				dst = append(dst, '\\', 't')
			default:
				dst = append(dst, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
			}
			i++
			start = i
			continue
		}

		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			dst = append(dst, s[start:i]...)
			dst = append(dst, '\\', 'u', 'f', 'f', 'f', 'd')
			i += size
			start = i
		case r == lineSeparator:
			dst = append(dst, s[start:i]...)
			dst = append(dst, '\\', 'u', '2', '0', '2', '8')
			i += size
			start = i
		case r == paragraphSeparator:
			dst = append(dst, s[start:i]...)
			dst = append(dst, '\\', 'u', '2', '0', '2', '9')
			i += size
			start = i
		default:
			i += size
		}
	}
	dst = append(dst, s[start:]...)
	dst = append(dst, '"')
	return dst
}
