// internal/media/s3.go
// Package media provides the S3-compatible object storage gateway.
// It handles presigned URL generation, object verification, and direct
// object transfer for the ingestion workers.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrObjectNotFound is returned by Stat when the object does not exist yet.
// Upload finalization maps it to an incomplete-upload error.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo is the metadata returned by Stat.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// ObjectStore is the storage surface the services depend on. The S3 client
// implements it; tests substitute an in-memory fake.
type ObjectStore interface {
	PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
	PresignDownload(ctx context.Context, key, filename string, expires time.Duration) (string, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}

// S3Client wraps the AWS S3 client for object operations.
// It supports both AWS S3 and S3-compatible services like MinIO.
type S3Client struct {
	client  *s3.Client // AWS S3 client
	presign *s3.PresignClient
	bucket  string // S3 bucket name
}

// NewS3Client creates a new S3 client.
// Parameters:
//   - endpoint: S3 service endpoint URL (empty for AWS default resolution)
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
func NewS3Client(endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		// Configure static credentials
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing is required for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Client{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

// PresignUpload generates a presigned PUT URL so clients upload directly to
// the object store without streaming through this service. The content type
// is bound into the signature.
func (s *S3Client) PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	result, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate upload URL: %w", err)
	}
	return result.URL, nil
}

// PresignDownload generates a presigned GET URL. The original filename is
// bound into the Content-Disposition so browsers save the file under its
// upload name rather than the storage key.
func (s *S3Client) PresignDownload(ctx context.Context, key, filename string, expires time.Duration) (string, error) {
	disposition := fmt.Sprintf("attachment; filename=%q", url.PathEscape(filename))
	result, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(disposition),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate download URL: %w", err)
	}
	return result.URL, nil
}

// Stat returns object metadata using a HEAD request. Returns ErrObjectNotFound
// when the key does not exist, which finalization treats as "upload not done".
func (s *S3Client) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}

	info := &ObjectInfo{}
	if result.ContentLength != nil {
		info.Size = *result.ContentLength
	}
	if result.ContentType != nil {
		info.ContentType = *result.ContentType
	}
	return info, nil
}

// Get opens an object for reading. The caller must close the returned reader.
func (s *S3Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return result.Body, nil
}

// Put writes an object directly. Used by workers (remote fetch, thumbnails)
// where no client is involved. size may be -1 when unknown.
func (s *S3Client) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (s *S3Client) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
