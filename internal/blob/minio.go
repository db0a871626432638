package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Ref points at a stored object.
type Ref struct {
	URL  string
	Key  string
	Size int64
}

// Store puts uploaded files into an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	secure bool
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}

	return &Store{client: client, bucket: cfg.Bucket, secure: cfg.UseSSL}, nil
}

// Put stores the object under a timestamped key so repeated uploads of the
// same filename never collide.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (Ref, error) {
	key := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), sanitizeName(name))
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Ref{}, fmt.Errorf("put object: %w", err)
	}

	scheme := "http"
	if s.secure {
		scheme = "https"
	}
	return Ref{
		URL:  fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, key),
		Key:  key,
		Size: info.Size,
	}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// KeyFromURL recovers the object key from a stored file URL. Returns "" for
// URLs that do not point into this bucket.
func (s *Store) KeyFromURL(fileURL string) string {
	marker := "/" + s.bucket + "/"
	idx := strings.Index(fileURL, marker)
	if idx < 0 {
		return ""
	}
	return fileURL[idx+len(marker):]
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
