// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package remotestore

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
	"zombiezen.com/go/log"
)

// HTTPStore implements a substituter backed by an HTTP binary cache using
// the classic fixed-path layout (as opposed to the teacher's HAL-templated
// discovery document).
type HTTPStore struct {
	// URL is the root of the binary cache, e.g. "https://cache.example.org".
	URL *url.URL
	// HTTPClient makes requests. If nil, [http.DefaultClient] is used.
	HTTPClient *http.Client
	// Priority is this substituter's position among configured
	// substituters; lower is preferred. It holds whatever the caller sets;
	// [HTTPStore.CacheInfo] does not fill it in from /nix-cache-info.
	Priority int
	// TrustedKeys holds the signing keys this store will accept
	// signatures from, keyed by key name (as in a [store.Signature]).
	TrustedKeys map[string]ed25519.PublicKey
	// TryFallback enables the cool-down-then-disable behavior on
	// transport failure. If false, every transport error is returned
	// immediately without tripping the breaker.
	TryFallback bool
	// Cooldown overrides [DefaultCooldown] for how long the store stays
	// disabled after a transport failure.
	Cooldown time.Duration

	breakerOnce sync.Once
	br          *breaker
}

var _ Substituter = (*HTTPStore)(nil)

func (s *HTTPStore) circuit() *breaker {
	s.breakerOnce.Do(func() {
		s.br = newBreaker(s.Cooldown)
	})
	return s.br
}

func (s *HTTPStore) client() *http.Client {
	if s.HTTPClient == nil {
		return http.DefaultClient
	}
	return s.HTTPClient
}

func (s *HTTPStore) resolve(elem string) *url.URL {
	return s.URL.ResolveReference(&url.URL{Path: elem})
}

// guard runs fn, tripping the breaker on a transport error (as opposed to a
// well-formed non-2xx HTTP response, which is not a transport failure) when
// TryFallback is enabled, and rejecting the call outright while the breaker
// is open.
func (s *HTTPStore) guard(ctx context.Context, fn func() error) error {
	if s.TryFallback && !s.circuit().allow() {
		log.Debugf(ctx, "remotestore: %v disabled, in cool-down", s.URL)
		return SubstituterDisabled
	}
	err := fn()
	if err != nil && s.TryFallback && isTransportError(err) {
		log.Warnf(ctx, "remotestore: %v: transport error, disabling for %v: %v", s.URL, s.circuit().cooldown, err)
		s.circuit().trip()
	}
	return err
}

func isTransportError(err error) bool {
	var h *httpError
	if errors.As(err, &h) {
		// A well-formed HTTP error response is not a transport failure:
		// the server is reachable and answering.
		return false
	}
	return true
}

// CacheInfo fetches and parses this cache's /nix-cache-info.
func (s *HTTPStore) CacheInfo(ctx context.Context) (*CacheInfo, error) {
	var ci *CacheInfo
	err := s.guard(ctx, func() error {
		data, err := fetch(ctx, s.client(), s.resolve("nix-cache-info"), "text/x-nix-cache-info,text/*;q=0.9,*/*;q=0.8")
		if err != nil {
			return fmt.Errorf("get nix-cache-info: %v", err)
		}
		ci = new(CacheInfo)
		if err := ci.UnmarshalText(data); err != nil {
			return fmt.Errorf("get nix-cache-info: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ci, nil
}

// QueryPathInfoUncached fetches and parses path's .narinfo, bypassing any
// local NAR-info disk cache. If s.TrustedKeys is non-empty, at least one of
// the narinfo's signatures must verify against it.
func (s *HTTPStore) QueryPathInfoUncached(ctx context.Context, path storepath.Path) (*store.NARInfo, error) {
	var info *store.NARInfo
	err := s.guard(ctx, func() error {
		u := s.resolve(path.Digest() + store.NARInfoExtension)
		data, err := fetch(ctx, s.client(), u, "text/x-nix-narinfo,text/*;q=0.9,*/*;q=0.8")
		if err != nil {
			return fmt.Errorf("query path info for %s: %v", path, err)
		}
		info = new(store.NARInfo)
		if err := info.UnmarshalText(data); err != nil {
			return fmt.Errorf("query path info for %s: %v", path, err)
		}
		if info.StorePath != path {
			return fmt.Errorf("query path info for %s: narinfo names %s", path, info.StorePath)
		}
		if len(s.TrustedKeys) > 0 {
			fp := new(bytes.Buffer)
			if err := info.WriteFingerprint(fp); err != nil {
				return fmt.Errorf("query path info for %s: %v", path, err)
			}
			if !store.VerifyFingerprint(fp.Bytes(), info.Sig, s.TrustedKeys) {
				return fmt.Errorf("query path info for %s: no valid signature from configured keys", path)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// FetchNAR streams the (decompressed) NAR body for the store object info
// describes to dst.
func (s *HTTPStore) FetchNAR(ctx context.Context, info *store.NARInfo, dst io.Writer) error {
	return s.guard(ctx, func() error {
		ref, err := url.Parse(info.URL)
		if err != nil {
			return fmt.Errorf("fetch nar for %s: invalid url %q: %v", info.StorePath, info.URL, err)
		}
		u := s.URL.ResolveReference(ref)
		req := (&http.Request{
			Method: http.MethodGet,
			URL:    u,
			Header: http.Header{
				"Accept":          {"*/*"},
				"Accept-Encoding": {acceptEncoding},
			},
		}).WithContext(ctx)
		resp, err := s.client().Do(req)
		if err != nil {
			return fmt.Errorf("fetch nar for %s: get %s: %v", info.StorePath, u.Redacted(), err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch nar for %s: get %s: %w", info.StorePath, u.Redacted(), &httpError{
				statusCode: resp.StatusCode,
				status:     resp.Status,
			})
		}
		body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
		if err != nil {
			return fmt.Errorf("fetch nar for %s: %v", info.StorePath, err)
		}
		defer body.Close()
		decompressed, err := decompress(body, info.Compression)
		if err != nil {
			return fmt.Errorf("fetch nar for %s: %v", info.StorePath, err)
		}
		defer decompressed.Close()

		h := nixhash.NewHasher(info.NARHash.Type())
		n, err := io.Copy(io.MultiWriter(dst, h), decompressed)
		if err != nil {
			return fmt.Errorf("fetch nar for %s: %v", info.StorePath, err)
		}
		if n != info.NARSize {
			return fmt.Errorf("fetch nar for %s: got %d bytes, narinfo declares %d", info.StorePath, n, info.NARSize)
		}
		if got := h.SumHash(); !got.Equal(info.NARHash) {
			return fmt.Errorf("fetch nar for %s: nar hash mismatch: got %v, narinfo declares %v", info.StorePath, got, info.NARHash)
		}
		return nil
	})
}

// GetFile returns the raw (possibly compressed) bytes stored at a
// cache-relative path, for serving primitives like /log/<drv-basename> or
// /debuginfo/<build-id>.
func (s *HTTPStore) GetFile(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.guard(ctx, func() error {
		var err error
		data, err = fetch(ctx, s.client(), s.resolve(name), "*/*")
		return err
	})
	return data, err
}

// AddToStore implements [Uploader] by PUTting the compressed NAR and then
// the narinfo to their cache-relative paths. Most read-only binary caches
// reject these requests; callers should only use this when the cache's
// HTTPClient carries write credentials.
func (s *HTTPStore) AddToStore(ctx context.Context, info *store.ValidPathInfo, narSource io.Reader, compression store.CompressionType, level int) (*store.NARInfo, error) {
	var result *store.NARInfo
	err := s.guard(ctx, func() error {
		narInfo, err := addToStore(ctx, s.put, info, narSource, compression, level)
		if err != nil {
			return err
		}
		result = narInfo
		return nil
	})
	return result, err
}

// PutRealisation writes a CA realisation to its /realisations/<drvOutput>.doi path.
func (s *HTTPStore) PutRealisation(ctx context.Context, r *store.Realisation) error {
	return s.guard(ctx, func() error {
		return putRealisation(ctx, s.put, r)
	})
}

func (s *HTTPStore) put(ctx context.Context, name string, data []byte) error {
	req := (&http.Request{
		Method:        http.MethodPut,
		URL:           s.resolve(name),
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
	}).WithContext(ctx)
	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %v", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("put %s: %w", name, &httpError{statusCode: resp.StatusCode, status: resp.Status})
	}
	return nil
}

// FileExists reports whether a cache-relative path exists, without
// downloading its body.
func (s *HTTPStore) FileExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.guard(ctx, func() error {
		req := (&http.Request{
			Method: http.MethodHead,
			URL:    s.resolve(name),
		}).WithContext(ctx)
		resp, err := s.client().Do(req)
		if err != nil {
			return fmt.Errorf("check %s exists: %v", name, err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			exists = true
		case http.StatusNotFound:
			exists = false
		default:
			return fmt.Errorf("check %s exists: %w", name, &httpError{statusCode: resp.StatusCode, status: resp.Status})
		}
		return nil
	})
	return exists, err
}

func fetch(ctx context.Context, client *http.Client, u *url.URL, accept string) ([]byte, error) {
	req := (&http.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{
			"Accept":          {accept},
			"Accept-Encoding": {acceptEncoding},
		},
	}).WithContext(ctx)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %v: %w", u.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
	const mebibyte = 1 << 20
	const maxSize = 4 * mebibyte
	if resp.ContentLength > maxSize {
		return nil, fmt.Errorf("fetch %v: response too large (%.1f MiB)", u.Redacted(), float64(resp.ContentLength)/mebibyte)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize))
	if err != nil {
		return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
	}
	if resp.ContentLength == -1 && len(data) == maxSize {
		if n, _ := resp.Body.Read(make([]byte, 1)); n > 0 {
			return nil, fmt.Errorf("fetch %v: response too large", u.Redacted())
		}
	}
	if e := resp.Header.Get("Content-Encoding"); e != "" {
		dec, err := decodeBody(bytes.NewReader(data), e)
		if err != nil {
			return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
		}
		defer dec.Close()
		data, err = io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
		}
	}
	return data, nil
}

// acceptEncoding is the value of an Accept-Encoding header that advertises
// the transport-level content codings [decodeBody] supports. This is
// distinct from a NAR's own Compression field, decoded separately by
// [decompress]: a cache may gzip-transport-encode an already xz-compressed
// NAR body.
const acceptEncoding = "br,gzip,deflate"

func decodeBody(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch contentEncoding {
	case "":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return decompress(r, store.Brotli)
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding %s", contentEncoding)
	}
}

type httpError struct {
	statusCode int
	status     string
}

func (e *httpError) Error() string {
	status := e.status
	if status == "" {
		status = http.StatusText(e.statusCode)
		if status == "" {
			status = strconv.Itoa(e.statusCode)
		}
	}
	return "http " + status
}

func errorStatusCode(err error) (statusCode int, ok bool) {
	if err == nil {
		return http.StatusOK, false
	}
	var h *httpError
	if !errors.As(err, &h) {
		return http.StatusInternalServerError, false
	}
	return h.statusCode, true
}

// ErrNotFound reports that a substituter has no information about a
// requested store path.
var ErrNotFound = errors.New("path not found in substituter")

// NotFound reports whether err corresponds to a cache miss (HTTP 404, or a
// file-backend os.ErrNotExist) rather than some other failure.
func NotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	if statusCode, ok := errorStatusCode(err); ok {
		return statusCode == http.StatusNotFound
	}
	return errors.Is(err, fs.ErrNotExist)
}
