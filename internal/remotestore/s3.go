// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package remotestore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
	"zombiezen.com/go/log"
)

// S3Config configures an [S3Store], mirroring the "s3://bucket?region=..."
// substituter URI scheme.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3Store implements [Substituter] and [Uploader] over an S3-compatible
// bucket laid out like an HTTP binary cache.
type S3Store struct {
	client      *s3.Client
	bucket      string
	prefix      string
	TrustedKeys map[string]ed25519.PublicKey
}

var (
	_ Substituter = (*S3Store)(nil)
	_ Uploader    = (*S3Store)(nil)
)

// NewS3Store constructs an [S3Store] from cfg, loading AWS credentials from
// the standard provider chain unless overridden by cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new s3 substituter: load aws config: %v", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Store) get(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("get %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %v", name, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// CacheInfo fetches and parses this bucket's nix-cache-info object.
func (s *S3Store) CacheInfo(ctx context.Context) (*CacheInfo, error) {
	data, err := s.get(ctx, "nix-cache-info")
	if err != nil {
		return nil, fmt.Errorf("get nix-cache-info: %v", err)
	}
	ci := new(CacheInfo)
	if err := ci.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("get nix-cache-info: %v", err)
	}
	return ci, nil
}

// QueryPathInfoUncached fetches and parses path's .narinfo object.
func (s *S3Store) QueryPathInfoUncached(ctx context.Context, path storepath.Path) (*store.NARInfo, error) {
	data, err := s.get(ctx, path.Digest()+store.NARInfoExtension)
	if err != nil {
		return nil, fmt.Errorf("query path info for %s: %v", path, err)
	}
	info := new(store.NARInfo)
	if err := info.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("query path info for %s: %v", path, err)
	}
	if info.StorePath != path {
		return nil, fmt.Errorf("query path info for %s: narinfo names %s", path, info.StorePath)
	}
	if len(s.TrustedKeys) > 0 {
		fp := new(bytes.Buffer)
		if err := info.WriteFingerprint(fp); err != nil {
			return nil, fmt.Errorf("query path info for %s: %v", path, err)
		}
		if !store.VerifyFingerprint(fp.Bytes(), info.Sig, s.TrustedKeys) {
			log.Warnf(ctx, "remotestore: %s: narinfo has no valid signature from configured keys", path)
			return nil, fmt.Errorf("query path info for %s: no valid signature from configured keys", path)
		}
	}
	return info, nil
}

// FetchNAR streams and verifies the NAR body info describes from S3.
func (s *S3Store) FetchNAR(ctx context.Context, info *store.NARInfo, dst io.Writer) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(info.URL)),
	})
	if err != nil {
		return fmt.Errorf("fetch nar for %s: %v", info.StorePath, err)
	}
	defer out.Body.Close()
	decompressed, err := decompress(out.Body, info.Compression)
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
		log.Warnf(ctx, "remotestore: %s: nar hash mismatch: got %v, narinfo declares %v", info.StorePath, got, info.NARHash)
		return fmt.Errorf("fetch nar for %s: nar hash mismatch: got %v, narinfo declares %v", info.StorePath, got, info.NARHash)
	}
	return nil
}

// GetFile reads a cache-relative key's raw bytes.
func (s *S3Store) GetFile(ctx context.Context, name string) ([]byte, error) {
	return s.get(ctx, name)
}

// FileExists reports whether a cache-relative key exists.
func (s *S3Store) FileExists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("check %s exists: %v", name, err)
	}
	return true, nil
}

// AddToStore uploads the NAR and then the narinfo as S3 objects.
func (s *S3Store) AddToStore(ctx context.Context, info *store.ValidPathInfo, narSource io.Reader, compression store.CompressionType, level int) (*store.NARInfo, error) {
	narInfo, err := addToStore(ctx, s.put, info, narSource, compression, level)
	if err != nil {
		return nil, err
	}
	log.Debugf(ctx, "remotestore: added %s to s3://%s/%s", info.Path, s.bucket, s.prefix)
	return narInfo, nil
}

// PutRealisation writes a CA realisation to its /realisations/<drvOutput>.doi path.
func (s *S3Store) PutRealisation(ctx context.Context, r *store.Realisation) error {
	return putRealisation(ctx, s.put, r)
}

func (s *S3Store) put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %v", name, err)
	}
	return nil
}
