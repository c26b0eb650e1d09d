package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/chess-ingest/internal/config"
)

// RawStore keeps upstream payloads that failed validation so they can be
// inspected later. Put returns a reference recorded with the failure.
type RawStore interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// NewRawStore builds the raw store selected by cfg.Kind
func NewRawStore(cfg config.RawStoreConfig) (RawStore, error) {
	switch cfg.Kind {
	case "", "none":
		return NoopRawStore{}, nil
	case "fs":
		return NewFSRawStore(cfg.Dir), nil
	case "s3":
		return NewS3RawStore(cfg)
	default:
		return nil, fmt.Errorf("unknown raw store kind %q", cfg.Kind)
	}
}

// NoopRawStore discards payloads
type NoopRawStore struct{}

// Put discards body and returns no reference
func (NoopRawStore) Put(context.Context, string, []byte) (string, error) {
	return "", nil
}

// FSRawStore writes payloads below a local directory
type FSRawStore struct {
	dir string
}

// NewFSRawStore creates a filesystem raw store rooted at dir
func NewFSRawStore(dir string) *FSRawStore {
	return &FSRawStore{dir: dir}
}

// Put writes body to dir/key and returns the file path
func (s *FSRawStore) Put(_ context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create raw store directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", fmt.Errorf("failed to write raw payload: %w", err)
	}
	return path, nil
}

// S3RawStore writes payloads to an S3-compatible bucket
type S3RawStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3RawStore creates an S3 raw store. An empty endpoint means AWS.
func NewS3RawStore(cfg config.RawStoreConfig) (*S3RawStore, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		o.UsePathStyle = true
	})

	return &S3RawStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads body and returns its s3:// reference
func (s *S3RawStore) Put(ctx context.Context, key string, body []byte) (string, error) {
	objectKey := s.prefix + sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload raw payload: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}

// endpointURL strips any scheme and path from endpoint and applies the
// scheme implied by useSSL
func endpointURL(endpoint string, useSSL bool) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}

	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, endpoint)
}

// sanitizeKey keeps keys relative and free of parent references
func sanitizeKey(key string) string {
	parts := strings.Split(strings.ReplaceAll(key, "\\", "/"), "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "/")
}
