package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mimicproof/core/pkg/canonicalize"
	"github.com/mimicproof/core/pkg/contracts"
)

// Archive is content-addressed storage for exported evidence bundles.
// There is deliberately no delete operation.
type Archive interface {
	// Put persists data and returns its content hash. Writing the same
	// bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (contracts.Hash, error)
	// Get retrieves data by content hash.
	Get(ctx context.Context, hash contracts.Hash) ([]byte, error)
	// Exists reports whether the hash is archived.
	Exists(ctx context.Context, hash contracts.Hash) (bool, error)
}

func archiveKey(hash contracts.Hash) (string, error) {
	raw, err := canonicalize.DecodeHash(hash)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x.bundle", raw), nil
}

// isNotFound reports whether err is S3's missing-object response. HeadObject
// surfaces it as *types.NotFound rather than *types.NoSuchKey.
func isNotFound(err error) bool {
	var nf *types.NotFound
	return errors.As(err, &nf)
}

// S3Archive stores bundles in an S3 bucket keyed by content hash.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures the archive bucket.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO/LocalStack
	Prefix   string
}

// NewS3Archive builds an archive over an S3 bucket.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("store: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) Put(ctx context.Context, data []byte) (contracts.Hash, error) {
	hash := canonicalize.HashBytes(data)
	key, err := archiveKey(hash)
	if err != nil {
		return "", err
	}
	key = a.prefix + key

	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return hash, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("store: s3 head %s: %w", hash, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("store: s3 put %s: %w", hash, err)
	}
	return hash, nil
}

func (a *S3Archive) Get(ctx context.Context, hash contracts.Hash) ([]byte, error) {
	key, err := archiveKey(hash)
	if err != nil {
		return nil, err
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("store: s3 get %s: %w", hash, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	if got := canonicalize.HashBytes(data); got != hash {
		return nil, fmt.Errorf("store: archive returned %s for %s: %w", got, hash, contracts.ErrIntegrityViolation)
	}
	return data, nil
}

func (a *S3Archive) Exists(ctx context.Context, hash contracts.Hash) (bool, error) {
	key, err := archiveKey(hash)
	if err != nil {
		return false, err
	}
	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: s3 head %s: %w", hash, err)
	}
	return true, nil
}

// FileArchive is the filesystem-backed archive, used by the CLI and tests.
type FileArchive struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileArchive creates the archive directory if needed.
func NewFileArchive(baseDir string) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: archive dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (a *FileArchive) Put(ctx context.Context, data []byte) (contracts.Hash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	hash := canonicalize.HashBytes(data)
	key, err := archiveKey(hash)
	if err != nil {
		return "", err
	}
	path := filepath.Join(a.baseDir, key)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("store: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("store: finalize bundle: %w", err)
	}
	return hash, nil
}

func (a *FileArchive) Get(ctx context.Context, hash contracts.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	key, err := archiveKey(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(a.baseDir, key))
	if err != nil {
		return nil, fmt.Errorf("store: read bundle %s: %w", hash, err)
	}
	if got := canonicalize.HashBytes(data); got != hash {
		return nil, fmt.Errorf("store: archive returned %s for %s: %w", got, hash, contracts.ErrIntegrityViolation)
	}
	return data, nil
}

func (a *FileArchive) Exists(ctx context.Context, hash contracts.Hash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, err := archiveKey(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(a.baseDir, key))
	return err == nil, nil
}
