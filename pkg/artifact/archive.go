package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/settld-labs/settld/pkg/canonical"
)

// Archive is content-addressed cold storage for canonical artifact bytes.
// Keys are the SHA-256 of the content, so writes are idempotent by
// construction and a fetched blob can always be re-verified against its key.
type Archive interface {
	// Put persists canonical bytes and returns their content hash.
	Put(ctx context.Context, data []byte) (string, error)
	// Fetch retrieves bytes by content hash.
	Fetch(ctx context.Context, hash string) ([]byte, error)
	// Exists checks presence by content hash.
	Exists(ctx context.Context, hash string) (bool, error)
}

// FileArchive is a filesystem-backed Archive.
type FileArchive struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileArchive creates an archive rooted at baseDir.
func NewFileArchive(baseDir string) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensure archive dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (a *FileArchive) Put(_ context.Context, data []byte) (string, error) {
	hash := canonical.HashBytes(data)
	path := filepath.Join(a.baseDir, hash+".json")

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifact: archive write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifact: archive rename: %w", err)
	}
	return hash, nil
}

func (a *FileArchive) Fetch(_ context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(a.baseDir, hash+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("artifact: archive read: %w", err)
	}
	if canonical.HashBytes(data) != hash {
		return nil, fmt.Errorf("artifact: archive blob %s corrupted on disk", hash)
	}
	return data, nil
}

func (a *FileArchive) Exists(_ context.Context, hash string) (bool, error) {
	_, err := os.Stat(filepath.Join(a.baseDir, hash+".json"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// NewArchiveFromEnv selects an archive backend.
//
//	ARTIFACT_ARCHIVE: "fs" (default), "s3", or "gcs"
//	DATA_DIR: base directory for the fs backend
//	ARTIFACT_S3_BUCKET / ARTIFACT_S3_REGION / ARTIFACT_S3_ENDPOINT for s3
//	ARTIFACT_GCS_BUCKET / ARTIFACT_GCS_PREFIX for gcs (build tag gcp)
func NewArchiveFromEnv(ctx context.Context) (Archive, error) {
	backend := os.Getenv("ARTIFACT_ARCHIVE")
	if backend == "" {
		backend = "fs"
	}
	switch backend {
	case "fs":
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileArchive(filepath.Join(dataDir, "artifacts"))
	case "s3":
		bucket := os.Getenv("ARTIFACT_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("artifact: ARTIFACT_S3_BUCKET is required for s3 archive")
		}
		region := os.Getenv("ARTIFACT_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		return NewS3Archive(ctx, S3ArchiveConfig{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		})
	case "gcs":
		return newGCSArchiveFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifact: unsupported archive backend %q", backend)
	}
}
