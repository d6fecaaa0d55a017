// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package remotestore

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/dsnet/compress/brotli"
	"github.com/ulikunitz/xz"

	"lix.dev/core/store"
)

// decompress wraps r with the decoder for compression, as named in a
// .narinfo's Compression field. The returned reader must be closed by the
// caller when non-nil.
func decompress(r io.Reader, compression store.CompressionType) (io.ReadCloser, error) {
	switch compression {
	case "", store.NoCompression:
		return io.NopCloser(r), nil
	case store.Gzip:
		return gzip.NewReader(r)
	case store.Bzip2:
		return bzip2.NewReader(r, nil)
	case store.XZ:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(zr), nil
	case store.Brotli:
		return brotli.NewReader(r, nil)
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

// compressionLevel is a codec-agnostic request for an encoder's effort/ratio
// trade-off. Zero means "use the codec's default".
type compressionLevel int

// compress wraps w with the encoder for compression at the given level (0
// selects the codec's default). The returned writer must be closed by the
// caller to flush trailing codec state; closing it does not close w.
func compress(w io.Writer, compression store.CompressionType, level compressionLevel) (io.WriteCloser, error) {
	switch compression {
	case "", store.NoCompression:
		return nopWriteCloser{w}, nil
	case store.Gzip:
		if level == 0 {
			return gzip.NewWriter(w), nil
		}
		return gzip.NewWriterLevel(w, int(level))
	case store.Bzip2:
		var conf *bzip2.WriterConfig
		if level != 0 {
			conf = &bzip2.WriterConfig{Level: int(level)}
		}
		return bzip2.NewWriter(w, conf)
	case store.XZ:
		// ulikunitz/xz does not expose a simple ratio knob; its
		// WriterConfig trades dictionary size for ratio instead of a
		// level, so a caller-supplied level is accepted but ignored.
		return xz.NewWriter(w)
	case store.Brotli:
		var conf *brotli.WriterConfig
		if level != 0 {
			conf = &brotli.WriterConfig{Quality: int(level)}
		}
		return brotli.NewWriter(w, conf)
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// fileExtension returns the filename extension a NAR compressed with
// compression is conventionally given under /nar/<fileHash>.nar.<ext>, not
// including the leading ".nar".
func fileExtension(compression store.CompressionType) string {
	switch compression {
	case store.Gzip:
		return "gz"
	case store.Bzip2:
		return "bz2"
	case store.XZ:
		return "xz"
	case store.Brotli:
		return "br"
	default:
		return ""
	}
}
