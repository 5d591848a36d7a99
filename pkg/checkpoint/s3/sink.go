// Package s3 stores namespace images in an S3 (or S3-compatible) bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config contains configuration for the S3 sink.
type Config struct {
	// Region is the bucket region
	Region string `mapstructure:"region" validate:"required"`

	// Bucket must already exist
	Bucket string `mapstructure:"bucket" validate:"required"`

	// KeyPrefix is prepended to every image name
	// Example: "dittons/images/" results in keys like "dittons/images/fsimage_..."
	KeyPrefix string `mapstructure:"key_prefix"`

	// Endpoint selects an S3-compatible service (MinIO, Localstack, ...).
	// Path-style addressing is used when set.
	Endpoint string `mapstructure:"endpoint"`

	// AccessKeyID and SecretAccessKey are static credentials. The default
	// credential chain is used when empty.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// MaxRetries is the number of attempts for transient failures (default: 10)
	MaxRetries int `mapstructure:"max_retries"`
}

// Sink implements checkpoint.Sink on an S3 bucket.
//
// Thread Safety: Safe for concurrent use.
type Sink struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// NewClient builds an S3 client from config.
func NewClient(ctx context.Context, config Config) (*s3.Client, error) {
	var options []func(*awsConfig.LoadOptions) error
	options = append(options, awsConfig.WithRegion(config.Region))

	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		options = append(options, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	options = append(options, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	cfg, err := awsConfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// New creates a sink over an existing bucket.
//
// Parameters:
//   - ctx: Context for cancellation
//   - client: Configured S3 client (see NewClient)
//   - config: Bucket and key prefix
//
// Returns:
//   - *Sink: Sink ready for use
//   - error: Error if the bucket cannot be accessed
func New(ctx context.Context, client *s3.Client, config Config) (*Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(config.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", config.Bucket, err)
	}

	return &Sink{client: client, bucket: config.Bucket, keyPrefix: config.KeyPrefix}, nil
}

func (s *Sink) key(name string) string {
	return s.keyPrefix + name
}

// Put implements checkpoint.Sink.
func (s *Sink) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", s.key(name), err)
	}
	return nil
}

// Get implements checkpoint.Sink.
func (s *Sink) Get(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("image %s not found: %w", name, err)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", s.key(name), err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// List implements checkpoint.Sink.
func (s *Sink) List(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.keyPrefix)
			if name != "" && !strings.Contains(name, "/") {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// Delete implements checkpoint.Sink.
func (s *Sink) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", s.key(name), err)
	}
	return nil
}
