//go:build gcp

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/settld-labs/settld/pkg/canonical"
)

// GCSArchive stores artifact blobs in a Google Cloud Storage bucket
// keyed by content hash.
type GCSArchive struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSArchive builds an archive over the given bucket using ambient
// application default credentials.
func NewGCSArchive(ctx context.Context, bucket, prefix string) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifact: gcs client: %w", err)
	}
	return &GCSArchive{bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func newGCSArchiveFromEnv(ctx context.Context) (Archive, error) {
	bucket := os.Getenv("ARTIFACT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifact: ARTIFACT_GCS_BUCKET is required for gcs archive")
	}
	return NewGCSArchive(ctx, bucket, os.Getenv("ARTIFACT_GCS_PREFIX"))
}

func (a *GCSArchive) key(hash string) string {
	if a.prefix == "" {
		return hash + ".json"
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + hash + ".json"
}

func (a *GCSArchive) Put(ctx context.Context, data []byte) (string, error) {
	hash := canonical.HashBytes(data)
	ok, err := a.Exists(ctx, hash)
	if err == nil && ok {
		return hash, nil
	}
	w := a.bucket.Object(a.key(hash)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("artifact: gcs write %s: %w", hash, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("artifact: gcs close %s: %w", hash, err)
	}
	return hash, nil
}

func (a *GCSArchive) Fetch(ctx context.Context, hash string) ([]byte, error) {
	r, err := a.bucket.Object(a.key(hash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("artifact: gcs open %s: %w", hash, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifact: gcs read %s: %w", hash, err)
	}
	if canonical.HashBytes(data) != hash {
		return nil, fmt.Errorf("artifact: gcs blob %s content does not match key", hash)
	}
	return data, nil
}

func (a *GCSArchive) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := a.bucket.Object(a.key(hash)).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("artifact: gcs attrs %s: %w", hash, err)
}
