//go:build gcp

package lockstore

import (
	"context"
	"os"

	"github.com/keelworks/keel/pkg/fault"
)

func newGCSFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("KEEL_LOCKSTORE_GCS_BUCKET")
	if bucket == "" {
		return nil, fault.New(fault.CodeConfigInvalid, "KEEL_LOCKSTORE_GCS_BUCKET is required for gcs lockstore")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("KEEL_LOCKSTORE_GCS_PREFIX"),
	})
}
