//go:build !gcp

package lockstore

import (
	"context"

	"github.com/keelworks/keel/pkg/fault"
)

func newGCSFromEnv(_ context.Context) (Store, error) {
	return nil, fault.New(fault.CodeConfigInvalid, "gcs lockstore is not enabled in this build (use -tags gcp)")
}
