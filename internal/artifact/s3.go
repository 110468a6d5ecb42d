package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Compile-time interface assertion.
var _ Store = (*S3)(nil)

const s3Scheme = "s3://"

// Seams for tests.
var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) S3API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3API is the subset of the S3 client used by the store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Config holds the connection settings of an [S3] store.
type S3Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the service endpoint (MinIO, LocalStack). When set
	// path-style addressing is used.
	Endpoint string

	// AccessKey and SecretKey select static credentials. When both are empty
	// the default AWS credential chain applies.
	AccessKey string
	SecretKey string
}

// S3Option configures an [S3] store.
type S3Option func(*S3)

// WithS3Clock replaces the clock used for artifact names.
func WithS3Clock(now func() time.Time) S3Option {
	return func(s *S3) {
		s.namer.now = now
	}
}

// WithS3Suffix replaces the random suffix generator. Intended for tests.
func WithS3Suffix(suffix func() string) S3Option {
	return func(s *S3) {
		s.namer.suffix = suffix
	}
}

// WithS3Client uses client instead of one built from the AWS configuration.
func WithS3Client(client S3API) S3Option {
	return func(s *S3) {
		s.client = client
	}
}

// S3 stores artifacts as objects. References have the form
// "s3://<bucket>/<prefix>/<user>/<file>".
type S3 struct {
	client S3API
	bucket string
	prefix string
	namer  namer
}

// NewS3 creates an S3 store for cfg.Bucket.
func NewS3(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact: s3 bucket must not be empty")
	}
	s := &S3{
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		namer:  defaultNamer(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.client != nil {
		return s, nil
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	s.client = newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return s, nil
}

// Save implements [Store]. Objects are written with If-None-Match so an
// existing key is never replaced.
func (s *S3) Save(ctx context.Context, userID, name, ext string, data []byte) (string, error) {
	for attempt := 0; ; attempt++ {
		file, err := s.namer.fileName(userID, name, ext)
		if err != nil {
			return "", err
		}
		objectKey := s.objectKey(userID + "/" + file)
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectKey),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			IfNoneMatch:   aws.String("*"),
		})
		if isPreconditionFailed(err) && attempt < maxCollisionRetries {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("artifact: put %s: %w", objectKey, err)
		}
		return s3Scheme + s.bucket + "/" + objectKey, nil
	}
}

// Open implements [Store].
func (s *S3) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	key, err := s.key(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("artifact: get %s: %w", ref, err)
	}
	return out.Body, nil
}

// Owner implements [Store].
func (s *S3) Owner(ref string) (string, error) {
	key, err := s.key(ref)
	if err != nil {
		return "", err
	}
	return ownerOf(key)
}

// Check implements [Store] with a HeadBucket request.
func (s *S3) Check(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("artifact: bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// key strips scheme, bucket and prefix from ref and returns "<user>/<file>".
func (s *S3) key(ref string) (string, error) {
	base := s3Scheme + s.bucket + "/"
	if s.prefix != "" {
		base += s.prefix + "/"
	}
	rest, ok := strings.CutPrefix(ref, base)
	if !ok || path.Clean(rest) != rest {
		return "", fmt.Errorf("%w: reference %q outside store", ErrInvalidName, ref)
	}
	if _, err := ownerOf(rest); err != nil {
		return "", err
	}
	return rest, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}
	return false
}
