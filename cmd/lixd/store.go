// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"lix.dev/core/internal/config"
	"lix.dev/core/internal/goalgraph"
	"lix.dev/core/internal/localstore"
	"lix.dev/core/internal/metrics"
	"lix.dev/core/internal/remotestore"
	"lix.dev/core/internal/substitute"
	"lix.dev/core/storepath"
)

// defaultStoreDir returns the directory a freshly-generated config would
// use, for the rare case a caller needs one before a [config.Config] has
// been loaded (constructing --config's own default search path).
func defaultStoreDir() storepath.Directory {
	return config.Default().StoreDirectory
}

// openedStore bundles everything runServe, runGC, runVerify, and
// runOptimise all need after loading configuration: the local store plus,
// where relevant, the metrics collector recording against it.
type openedStore struct {
	cfg     *config.Config
	local   *localstore.Store
	metrics *metrics.Metrics
}

// openStore loads configuration from g and opens the local store,
// registering metrics if cfg.MetricsListen is set.
func openStore(g *globalFlags) (*openedStore, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var m *metrics.Metrics
	if cfg.MetricsListen != "" {
		m, err = metrics.New()
		if err != nil {
			return nil, fmt.Errorf("start metrics: %w", err)
		}
	}

	local, err := localstore.Open(cfg.StoreDirectory, &localstore.Options{
		StateDir: cfg.StateDir,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &openedStore{cfg: cfg, local: local, metrics: m}, nil
}

func (o *openedStore) Close() error {
	return o.local.Close()
}

// substituterBackends turns the raw [config.SubstituterConfig] list into
// live [substitute.Backend] values, choosing a remotestore implementation
// by each URL's scheme the way a binary-cache substituter string is
// interpreted in spec.md 6.
func substituterBackends(ctx context.Context, cfgs []config.SubstituterConfig, trusted map[string]ed25519.PublicKey) ([]substitute.Backend, error) {
	backends := make([]substitute.Backend, 0, len(cfgs))
	for _, sc := range cfgs {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		u, err := url.Parse(sc.URL)
		if err != nil {
			return nil, fmt.Errorf("substituter %q: %w", sc.URL, err)
		}

		var sub remotestore.Substituter
		switch u.Scheme {
		case "http", "https":
			sub = &remotestore.HTTPStore{
				URL:         u,
				Priority:    sc.Priority,
				TrustedKeys: trusted,
				TryFallback: true,
			}
		case "file":
			sub = &remotestore.FileStore{
				Dir:         u.Path,
				TrustedKeys: trusted,
			}
		case "s3":
			s3cfg := remotestore.S3Config{
				Bucket:          u.Host,
				Prefix:          u.Path,
				Region:          u.Query().Get("region"),
				Endpoint:        u.Query().Get("endpoint"),
				AccessKeyID:     sc.AccessKeyID,
				SecretAccessKey: sc.SecretAccessKey,
			}
			s3store, err := remotestore.NewS3Store(ctx, s3cfg)
			if err != nil {
				return nil, fmt.Errorf("substituter %q: %w", sc.URL, err)
			}
			s3store.TrustedKeys = trusted
			sub = s3store
		default:
			return nil, fmt.Errorf("substituter %q: unsupported scheme %q", sc.URL, u.Scheme)
		}

		backends = append(backends, substitute.Backend{
			Name:        sc.URL,
			Substituter: sub,
			Priority:    sc.Priority,
		})
	}
	return backends, nil
}

// newSubstituteManager builds the substitution manager a store daemon
// shares across every build and standalone substitute request.
func newSubstituteManager(ctx context.Context, o *openedStore, pool *goalgraph.Pool) (*substitute.Manager, error) {
	backends, err := substituterBackends(ctx, o.cfg.Substituters, o.cfg.TrustedKeys())
	if err != nil {
		return nil, err
	}
	return substitute.NewManager(ctx, substitute.Config{
		Substituters:      backends,
		Local:             o.local,
		TrustedKeys:       o.cfg.TrustedKeys(),
		RequireSignatures: o.cfg.RequireSignatures,
		Pool:              pool,
		Metrics:           o.metrics,
	}), nil
}

// ensureParentDir creates path's parent directory, used before listening
// on a configured Unix socket path or opening a newly-configured store
// directory's parent.
func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
