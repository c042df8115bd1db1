package obstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
)

const defaultMaxRetryElapsed = 30 * time.Second

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the S3-backed store.
type S3Config struct {
	Logger *slog.Logger

	Bucket string
	Region string

	// Endpoint points at an S3-compatible service (MinIO, localstack).
	// Setting it forces path-style addressing.
	Endpoint string

	// Static credentials. When empty the default AWS chain applies.
	AccessKeyID     string
	SecretAccessKey string

	// MaxRetryElapsed bounds the retry budget per call.
	MaxRetryElapsed time.Duration
}

func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.MaxRetryElapsed <= 0 {
		c.MaxRetryElapsed = defaultMaxRetryElapsed
	}
	return nil
}

// S3 implements Store over an S3-compatible object store.
type S3 struct {
	log        *slog.Logger
	client     s3API
	bucket     string
	maxElapsed time.Duration
}

var _ Store = (*S3)(nil)

// NewS3 builds the store, loading AWS configuration from the environment
// unless static credentials are given.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{
		log:        cfg.Logger,
		client:     client,
		bucket:     cfg.Bucket,
		maxElapsed: cfg.MaxRetryElapsed,
	}, nil
}

// NewS3WithClient wires an existing client, for tests and shared clients.
func NewS3WithClient(client s3API, bucket string, log *slog.Logger) *S3 {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &S3{log: log, client: client, bucket: bucket, maxElapsed: defaultMaxRetryElapsed}
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	body, _, err := s.GetWithETag(ctx, key)
	return body, err
}

func (s *S3) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	type result struct {
		body []byte
		etag string
	}
	res, err := retry(ctx, s.maxElapsed, func() (result, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return result{}, mapErr("get", key, err)
		}
		defer out.Body.Close()
		body, err := io.ReadAll(out.Body)
		if err != nil {
			return result{}, &StorageError{Op: "get", Key: key, Err: err}
		}
		return result{body: body, etag: aws.ToString(out.ETag)}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return res.body, res.etag, nil
}

func (s *S3) Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error) {
	var pc putConfig
	for _, opt := range opts {
		opt(&pc)
	}
	etag, err := retry(ctx, s.maxElapsed, func() (string, error) {
		in := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		}
		if pc.contentType != "" {
			in.ContentType = aws.String(pc.contentType)
		}
		if pc.ifMatch != "" {
			in.IfMatch = aws.String(pc.ifMatch)
		}
		if pc.ifNoneMatch {
			in.IfNoneMatch = aws.String("*")
		}
		out, err := s.client.PutObject(ctx, in)
		if err != nil {
			return "", mapErr("put", key, err)
		}
		return aws.ToString(out.ETag), nil
	})
	if err != nil {
		return "", err
	}
	s.log.Debug("put object", "key", key, "bytes", len(body))
	return etag, nil
}

func (s *S3) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	return retry(ctx, s.maxElapsed, func() (*ObjectInfo, error) {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, mapErr("head", key, err)
		}
		return &ObjectInfo{
			Key:          key,
			ETag:         aws.ToString(out.ETag),
			Size:         aws.ToInt64(out.ContentLength),
			LastModified: aws.ToTime(out.LastModified),
		}, nil
	})
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	return retry(ctx, s.maxElapsed, func() ([]string, error) {
		var keys []string
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, mapErr("list", prefix, err)
			}
			for _, obj := range page.Contents {
				keys = append(keys, aws.ToString(obj.Key))
			}
		}
		return keys, nil
	})
}

func (s *S3) Copy(ctx context.Context, src, dst string) error {
	_, err := retry(ctx, s.maxElapsed, func() (struct{}, error) {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(dst),
			CopySource: aws.String(s.bucket + "/" + src),
		})
		if err != nil {
			return struct{}{}, mapErr("copy", src, err)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := retry(ctx, s.maxElapsed, func() (struct{}, error) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return struct{}{}, mapErr("delete", key, err)
		}
		return struct{}{}, nil
	})
	return err
}

// retry wraps an operation in exponential backoff. Typed outcomes
// (ErrNotFound, ErrPreconditionFailed) are terminal; everything else is
// assumed transient until the elapsed budget runs out.
func retry[T any](ctx context.Context, maxElapsed time.Duration, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && (errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(maxElapsed))
}

func mapErr(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%s %q: %w", op, key, ErrPreconditionFailed)
		}
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
