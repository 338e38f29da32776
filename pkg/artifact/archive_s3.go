package artifact

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
	"github.com/settld-labs/settld/pkg/canonical"
)

// S3ArchiveConfig configures the S3 archive backend. Endpoint is optional
// and enables path-style addressing for MinIO-compatible stores.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3Archive stores artifact blobs in an S3 bucket keyed by content hash.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archive builds an archive over the given bucket.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) key(hash string) string {
	if a.prefix == "" {
		return hash + ".json"
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + hash + ".json"
}

func (a *S3Archive) Put(ctx context.Context, data []byte) (string, error) {
	hash := canonical.HashBytes(data)
	ok, err := a.Exists(ctx, hash)
	if err == nil && ok {
		return hash, nil
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.key(hash)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("artifact: s3 put %s: %w", hash, err)
	}
	return hash, nil
}

func (a *S3Archive) Fetch(ctx context.Context, hash string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(hash)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("artifact: s3 get %s: %w", hash, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("artifact: s3 read %s: %w", hash, err)
	}
	if canonical.HashBytes(data) != hash {
		return nil, fmt.Errorf("artifact: s3 blob %s content does not match key", hash)
	}
	return data, nil
}

func (a *S3Archive) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(hash)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifact: s3 head %s: %w", hash, err)
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
