//go:build gcp

package lockstore

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"

	"github.com/keelworks/keel/pkg/fault"
	"github.com/keelworks/keel/pkg/resolve"
)

// GCSStore keeps lockfiles in a Google Cloud Storage bucket keyed by
// content hash. Credentials come from Application Default Credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fault.New(fault.CodeConfigInvalid, "lockstore: creating GCS client").WithCause(err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + ".lock.json")
}

func (s *GCSStore) Put(ctx context.Context, lf *resolve.Lockfile) (string, error) {
	raw, addr, err := encode(lf)
	if err != nil {
		return "", err
	}
	hash, _ := rawHash(addr)

	obj := s.object(hash)
	if _, err := obj.Attrs(ctx); err == nil {
		return addr, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", fault.New(fault.CodeNetwork, "lockstore: gcs write failed").WithCause(err)
	}
	if err := w.Close(); err != nil {
		return "", fault.New(fault.CodeNetwork, "lockstore: gcs close failed").WithCause(err)
	}
	return addr, nil
}

func (s *GCSStore) Get(ctx context.Context, addr string) (*resolve.Lockfile, error) {
	hash, err := rawHash(addr)
	if err != nil {
		return nil, err
	}

	r, err := s.object(hash).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fault.New(fault.CodeNotFound, "lockfile %s not found", addr)
		}
		return nil, fault.New(fault.CodeNetwork, "lockstore: gcs get failed for %s", addr).WithCause(err)
	}
	defer func() { _ = r.Close() }()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.New(fault.CodeNetwork, "lockstore: reading gcs object").WithCause(err)
	}
	return decode(raw, addr)
}

func (s *GCSStore) Exists(ctx context.Context, addr string) (bool, error) {
	hash, err := rawHash(addr)
	if err != nil {
		return false, err
	}
	_, err = s.object(hash).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fault.New(fault.CodeNetwork, "lockstore: gcs attrs error").WithCause(err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, addr string) error {
	hash, err := rawHash(addr)
	if err != nil {
		return err
	}
	if err := s.object(hash).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fault.New(fault.CodeNetwork, "lockstore: gcs delete failed for %s", addr).WithCause(err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
