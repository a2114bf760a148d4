package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/deviceingest/pkg/blob"
)

// API is the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store implements blob.Store on an S3 bucket.
type Store struct {
	client API
	bucket string
	prefix string
}

// Ensure Store implements the interfaces.
var (
	_ blob.Store   = (*Store)(nil)
	_ blob.Deleter = (*Store)(nil)
)

// New creates a new S3 blob store with the given configuration.
//
// The store uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &blob.Error{
			Op:      "New",
			Backend: blob.BackendS3,
			Bucket:  cfg.Bucket,
			Err:     err,
		}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewWithClient builds a store around an existing client.
func NewWithClient(client API, cfg Config) *Store {
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.normalizedPrefix(),
	}
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Let SDK resolve from env/profile unless a region is configured.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Save uploads r under a new group-scoped key.
func (s *Store) Save(ctx context.Context, groupID, filename string, r io.Reader) (blob.Handle, error) {
	key, err := blob.NewKey(groupID, filename)
	if err != nil {
		return blob.Handle{}, &blob.Error{Op: "Save", Backend: blob.BackendS3, Bucket: s.bucket, Err: err}
	}
	key = s.prefix + key

	body, size, release, err := sizedBody(r)
	if err != nil {
		return blob.Handle{}, &blob.Error{Op: "Save", Backend: blob.BackendS3, Bucket: s.bucket, Key: key, Err: err}
	}
	defer release()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return blob.Handle{}, s.wrapError("Save", key, err)
	}
	return blob.Handle{Backend: blob.BackendS3, Key: key}, nil
}

// sizedBody returns a seekable body and its remaining length.
//
// The SDK cannot checksum an unseekable stream on plain-HTTP endpoints, so
// streams such as HTTP response bodies are spooled to a temp file first.
func sizedBody(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		cur, err := rs.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := rs.Seek(0, io.SeekEnd)
			if err == nil {
				if _, err := rs.Seek(cur, io.SeekStart); err != nil {
					return nil, 0, nil, err
				}
				return rs, end - cur, func() {}, nil
			}
		}
	}

	f, err := os.CreateTemp("", ".deviceingest-blob-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("spool payload: %w", err)
	}
	release := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	n, err := io.Copy(f, r)
	if err != nil {
		release()
		return nil, 0, nil, fmt.Errorf("spool payload: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		release()
		return nil, 0, nil, fmt.Errorf("spool payload: %w", err)
	}
	return f, n, release, nil
}

// Get opens the object body for streaming.
func (s *Store) Get(ctx context.Context, h blob.Handle) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(h.Key),
	})
	if err != nil {
		return nil, s.wrapError("Get", h.Key, err)
	}
	return out.Body, nil
}

// Delete removes the object. Deleting a missing key is not an error on S3.
func (s *Store) Delete(ctx context.Context, h blob.Handle) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(h.Key),
	})
	if err != nil {
		return s.wrapError("Delete", h.Key, err)
	}
	return nil
}

// Close satisfies blob.Store; the S3 client holds no closable resources.
func (s *Store) Close() error {
	return nil
}

// wrapError converts S3 errors to blob errors with appropriate sentinels.
func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &blob.Error{
		Op:      op,
		Backend: blob.BackendS3,
		Bucket:  s.bucket,
		Key:     key,
		Err:     err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = blob.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = blob.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = blob.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = blob.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = blob.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = blob.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = blob.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = blob.ErrUnavailable
		}
		return wrapped
	}

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "404"):
		wrapped.Err = blob.ErrNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "403"):
		wrapped.Err = blob.ErrAccessDenied
	case strings.Contains(errMsg, "503"):
		wrapped.Err = blob.ErrUnavailable
	}

	return wrapped
}

// resolveRegion applies the us-east-1 fallback for AWS S3.
//
// sdkRegion already reflects explicit config, env and profile resolution.
// S3-compatible stores (endpoint set) get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
