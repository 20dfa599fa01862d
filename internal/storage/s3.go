package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket" toml:"bucket"`
	Region       string `json:"region" yaml:"region" toml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style" toml:"use_path_style"`

	// Attempts bounds the tries of each request (default: 4).
	Attempts int `json:"attempts" yaml:"attempts" toml:"attempts"`

	// Backoff is the first retry delay; it doubles per attempt (default: 100ms).
	Backoff time.Duration `json:"backoff" yaml:"backoff" toml:"backoff"`
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:   "us-east-1",
		Attempts: 4,
		Backoff:  100 * time.Millisecond,
	}
}

// S3Storage keeps objects in one S3 bucket.
type S3Storage struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Storage creates a client for cfg.Bucket using the default AWS
// credential chain.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	def := DefaultS3Config()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Storage{client: client, cfg: cfg}, nil
}

// Put implements ObjectStorage.
func (s *S3Storage) Put(ctx context.Context, objectPath string, data []byte) error {
	err := s.do(ctx, "put", objectPath, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objectPath),
			Body:   bytes.NewReader(data),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return nil
}

// Get implements ObjectStorage.
func (s *S3Storage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "get", objectPath, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var noSuchKey *s3types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return ErrObjectNotFound
			}
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, ErrObjectNotFound):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, objectPath, err)
	}
}

// Delete implements ObjectStorage. S3 treats deleting a missing key as
// success.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.do(ctx, "delete", objectPath, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, objectPath, err)
	}
	return nil
}

// Exists implements ObjectStorage.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	found := false
	err := s.do(ctx, "head", objectPath, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objectPath),
		})
		var notFound *s3types.NotFound
		switch {
		case err == nil:
			found = true
		case errors.As(err, &notFound):
			found = false
		default:
			return err
		}
		return nil
	})
	return found, err
}

// List implements ObjectStorage. Pages are fetched without retry; the
// SDK retries each page request itself.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// do runs fn up to cfg.Attempts times with doubling backoff. A missing
// object is final.
func (s *S3Storage) do(ctx context.Context, op, objectPath string, fn func() error) error {
	delay := s.cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || errors.Is(err, ErrObjectNotFound) {
			return err
		}
		if attempt >= s.cfg.Attempts {
			return err
		}
		log.Printf("storage: s3 %s %s attempt %d failed, retrying in %s: %v", op, objectPath, attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
