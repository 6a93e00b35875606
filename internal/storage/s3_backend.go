package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opendesk-io/opendesk-ce/internal/config"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Backend stores offloaded content in an S3 bucket.
type S3Backend struct {
	client    s3API
	bucket    string
	keyPrefix string
	publicURL string
}

// NewS3Backend builds a backend from the storage configuration.
func NewS3Backend(ctx context.Context, cfg config.S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &S3Backend{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: strings.Trim(cfg.KeyPrefix, "/"),
		publicURL: publicURL,
	}, nil
}

func newS3BackendWithClient(client s3API, bucket, keyPrefix, publicURL string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, keyPrefix: keyPrefix, publicURL: strings.TrimRight(publicURL, "/")}
}

// Name returns the backend identifier.
func (b *S3Backend) Name() string { return "s3" }

// Store uploads content and returns its public URL.
func (b *S3Backend) Store(ctx context.Context, key, contentType string, data []byte) (string, error) {
	fullKey := b.objectKey(key)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put object %s: %w", fullKey, err)
	}
	return b.publicURL + "/" + fullKey, nil
}

// Fetch downloads content by URL.
func (b *S3Backend) Fetch(ctx context.Context, url string) ([]byte, error) {
	key, err := b.keyFromURL(url)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete removes content by URL.
func (b *S3Backend) Delete(ctx context.Context, url string) error {
	key, err := b.keyFromURL(url)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: delete object %s: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	return err
}

func (b *S3Backend) objectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if b.keyPrefix == "" {
		return key
	}
	return b.keyPrefix + "/" + key
}

func (b *S3Backend) keyFromURL(url string) (string, error) {
	trimmed, ok := strings.CutPrefix(url, b.publicURL+"/")
	if !ok {
		return "", fmt.Errorf("storage: url %q does not belong to this backend", url)
	}
	return trimmed, nil
}
