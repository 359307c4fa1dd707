// Package archive mirrors finished concordance cache files to S3-compatible
// object storage, so that a cache directory can be restored after eviction
// or shared between hosts.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultRegion = "us-east-1"

const contentType = "application/octet-stream"

// Sentinel errors.
var (
	ErrNotFound       = errors.New("archived cache file not found")
	ErrMissingSetting = errors.New("archive setting is required")
)

// Config configures the object store connection.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Store uploads and restores cache files.
type Store struct {
	client *minio.Client
	bucket string
	region string
	prefix string

	// mu guards ready; a failed bucket check is retried by the next call.
	mu    sync.Mutex
	ready bool
}

// New validates cfg and creates a store. No network traffic happens until
// the first upload or restore.
func New(cfg Config) (*Store, error) {
	cfg, err := normalize(cfg)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init object store client: %w", err)
	}

	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region, prefix: cfg.Prefix}, nil
}

func normalize(cfg Config) (Config, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.Prefix = strings.Trim(strings.TrimSpace(cfg.Prefix), "/")

	switch {
	case cfg.Endpoint == "":
		return cfg, fmt.Errorf("%w: endpoint", ErrMissingSetting)
	case cfg.AccessKey == "" || cfg.SecretKey == "":
		return cfg, fmt.Errorf("%w: access key and secret key", ErrMissingSetting)
	case cfg.Bucket == "":
		return cfg, fmt.Errorf("%w: bucket", ErrMissingSetting)
	}

	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultRegion
	}

	return cfg, nil
}

// ObjectKey maps a local cache file of corpname to its object name.
func (s *Store) ObjectKey(corpname, localPath string) string {
	return objectKey(s.prefix, corpname, localPath)
}

func objectKey(prefix, corpname, localPath string) string {
	return path.Join(prefix, corpname, filepath.Base(localPath))
}

func (s *Store) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
		if err != nil {
			return err
		}
	}

	s.ready = true

	return nil
}

// Upload copies the local cache file to the archive.
func (s *Store) Upload(ctx context.Context, corpname, localPath string) error {
	err := s.ensureBucket(ctx)
	if err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	_, err = s.client.FPutObject(ctx, s.bucket, s.ObjectKey(corpname, localPath), localPath,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload cache file: %w", err)
	}

	return nil
}

// Restore downloads the archived copy of a cache file to localPath.
func (s *Store) Restore(ctx context.Context, corpname, localPath string) error {
	err := s.ensureBucket(ctx)
	if err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	err = s.client.FGetObject(ctx, s.bucket, s.ObjectKey(corpname, localPath), localPath, minio.GetObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return ErrNotFound
		}

		return fmt.Errorf("restore cache file: %w", err)
	}

	return nil
}

// Remove deletes the archived copy; a missing object is not an error.
func (s *Store) Remove(ctx context.Context, corpname, localPath string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.ObjectKey(corpname, localPath), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove archived cache file: %w", err)
	}

	return nil
}
