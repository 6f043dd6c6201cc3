// internal/media/s3.go
// Package media mirrors saved recordings to S3-compatible object storage.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/metrics"
)

// S3Client wraps the AWS S3 client for recording uploads.
type S3Client struct {
	client  *s3.Client // AWS S3 client
	bucket  string     // Target bucket
	prefix  string     // Key prefix, without trailing slash
	metrics *metrics.Metrics
}

// NewS3Client creates a new S3 client for recording uploads.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL, empty for AWS
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: Target bucket
//   - prefix: Key prefix prepended to every object
//   - accessKey: Access key for authentication, default chain when empty
//   - secretKey: Secret key for authentication
// Returns:
//   - *S3Client: Initialized S3 client
//   - error: Any error that occurred during initialization
func NewS3Client(endpoint, region, bucket, prefix, accessKey, secretKey string) (*S3Client, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = endpoint != "" // Required for MinIO and other S3-compatible services
	})

	return &S3Client{
		client:  client,
		bucket:  bucket,
		prefix:  trimSlashes(prefix),
		metrics: metrics.NewMetrics(),
	}, nil
}

// Key returns the object key used for a local file.
func (s *S3Client) Key(localPath string) string {
	name := filepath.Base(localPath)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Mirror uploads the file at localPath and returns its object key.
// An object of the same key and size is left in place.
func (s *S3Client) Mirror(ctx context.Context, localPath string) (key string, err error) {
	key = s.Key(localPath)
	defer func() {
		s.metrics.StorageOperationTotal.WithLabelValues("s3_mirror", metrics.StatusLabel(err)).Inc()
	}()

	f, err := os.Open(localPath)
	if err != nil {
		return key, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return key, fmt.Errorf("stat %s: %w", localPath, err)
	}

	if size, ok, err := s.objectSize(ctx, key); err != nil {
		return key, err
	} else if ok && size == info.Size() {
		return key, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(localPath)),
	})
	if err != nil {
		return key, fmt.Errorf("failed to upload %s to s3://%s/%s: %w", localPath, s.bucket, key, err)
	}
	return key, nil
}

// objectSize returns the size of key, with ok false when it does not exist.
func (s *S3Client) objectSize(ctx context.Context, key string) (int64, bool, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return aws.ToInt64(result.ContentLength), true, nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

func trimSlashes(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
