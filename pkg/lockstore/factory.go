package lockstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/keelworks/keel/pkg/fault"
)

type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv builds a lockfile store from environment variables.
//
//   - KEEL_LOCKSTORE_TYPE: "fs" (default), "s3", or "gcs"
//   - KEEL_DATA_DIR: base directory for the filesystem store (default "data")
//
// For S3:
//   - KEEL_LOCKSTORE_S3_BUCKET (required)
//   - KEEL_LOCKSTORE_S3_REGION or AWS_REGION
//   - KEEL_LOCKSTORE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - KEEL_LOCKSTORE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - KEEL_LOCKSTORE_GCS_BUCKET (required)
//   - KEEL_LOCKSTORE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("KEEL_LOCKSTORE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("KEEL_DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "lockfiles"))
	case StoreTypeS3:
		return newS3FromEnv(ctx)
	case StoreTypeGCS:
		return newGCSFromEnv(ctx)
	default:
		return nil, fault.New(fault.CodeConfigInvalid, "unsupported lockstore type %q", storeType)
	}
}

func newS3FromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("KEEL_LOCKSTORE_S3_BUCKET")
	if bucket == "" {
		return nil, fault.New(fault.CodeConfigInvalid, "KEEL_LOCKSTORE_S3_BUCKET is required for s3 lockstore")
	}
	region := os.Getenv("KEEL_LOCKSTORE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("KEEL_LOCKSTORE_S3_ENDPOINT"),
		Prefix:   os.Getenv("KEEL_LOCKSTORE_S3_PREFIX"),
	})
}
