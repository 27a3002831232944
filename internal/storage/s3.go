package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gbarbosa99/dialects/internal/embedding"
)

// ErrS3NotConfigured is returned when the mirror is built without a bucket or region.
var ErrS3NotConfigured = errors.New("storage: S3 bucket and region are required")

// S3Config holds the configuration for the artifact mirror.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string // Optional: key prefix, e.g. "embeddings/"
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// S3Mirror wraps an ArtifactStore and uploads every artifact it persists.
// The wrapped store stays the source of truth for Exists; an artifact only
// counts as persisted once both the local write and the upload succeeded.
type S3Mirror struct {
	ArtifactStore
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror creates a new S3Mirror in front of local.
func NewS3Mirror(ctx context.Context, local ArtifactStore, cfg S3Config) (*S3Mirror, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrS3NotConfigured
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Mirror{
		ArtifactStore: local,
		client:        s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:        cfg.Bucket,
		prefix:        cfg.Prefix,
	}, nil
}

// Key returns the object key for stem.
func (m *S3Mirror) Key(stem string) string {
	return m.prefix + stem + ArtifactExt
}

// Put implements ArtifactStore.Put. If the upload fails the local artifact
// is removed again so the next run retries the file.
func (m *S3Mirror) Put(ctx context.Context, stem string, vec embedding.Vector) (string, error) {
	path, err := m.ArtifactStore.Put(ctx, stem, vec)
	if err != nil {
		return "", err
	}

	if err := m.upload(ctx, stem, path); err != nil {
		if rmErr := m.ArtifactStore.Remove(context.WithoutCancel(ctx), stem); rmErr != nil {
			return "", fmt.Errorf("%w (rollback: %v)", err, rmErr)
		}
		return "", err
	}
	return path, nil
}

func (m *S3Mirror) upload(ctx context.Context, stem, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the wrapped store
	if err != nil {
		return fmt.Errorf("read artifact for upload: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.Key(stem)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("upload to S3: %w", err)
	}
	return nil
}

// Remove implements ArtifactStore.Remove, deleting both copies.
func (m *S3Mirror) Remove(ctx context.Context, stem string) error {
	if err := m.ArtifactStore.Remove(ctx, stem); err != nil {
		return err
	}
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.Key(stem)),
	})
	if err != nil {
		return fmt.Errorf("delete from S3: %w", err)
	}
	return nil
}

// String describes the mirror target for logs.
func (m *S3Mirror) String() string {
	return "s3://" + m.bucket + "/" + strings.TrimPrefix(m.prefix, "/")
}

// Verify interface implementation at compile time.
var _ ArtifactStore = (*S3Mirror)(nil)
