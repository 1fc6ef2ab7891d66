// Package lockstore persists resolved lockfiles content-addressed by their
// canonical hash, so a caller can pin an execution to a prior resolution
// and replay it later.
package lockstore

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/keelworks/keel/pkg/canonicalize"
	"github.com/keelworks/keel/pkg/fault"
	"github.com/keelworks/keel/pkg/resolve"
)

const hashPrefix = "sha256:"

// Store is a content-addressed lockfile store. Put is idempotent: storing
// the same lockfile twice returns the same address.
type Store interface {
	// Put persists the lockfile and returns its content address
	// ("sha256:<hex>").
	Put(ctx context.Context, lf *resolve.Lockfile) (string, error)
	// Get retrieves a lockfile by content address, re-verifying the hash
	// of the stored bytes before decoding.
	Get(ctx context.Context, addr string) (*resolve.Lockfile, error)
	Exists(ctx context.Context, addr string) (bool, error)
	Delete(ctx context.Context, addr string) error
}

// encode canonicalizes the lockfile and returns its bytes and address.
// Canonical encoding makes the address stable across writers.
func encode(lf *resolve.Lockfile) ([]byte, string, error) {
	raw, err := lf.Encode()
	if err != nil {
		return nil, "", err
	}
	return raw, hashPrefix + canonicalize.HashBytes(raw), nil
}

// decode re-hashes the stored bytes against the requested address before
// trusting them.
func decode(raw []byte, addr string) (*resolve.Lockfile, error) {
	if got := hashPrefix + canonicalize.HashBytes(raw); got != addr {
		return nil, fault.New(fault.CodeIntegrity, "lockfile at %s has hash %s", addr, got)
	}
	return resolve.DecodeLockfile(raw)
}

func rawHash(addr string) (string, error) {
	if !strings.HasPrefix(addr, hashPrefix) {
		return "", fault.New(fault.CodeConfigInvalid, "invalid lockfile address %q", addr)
	}
	raw := strings.TrimPrefix(addr, hashPrefix)
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fault.New(fault.CodeConfigInvalid, "invalid lockfile address %q", addr).WithCause(err)
	}
	return raw, nil
}

// FileStore is a filesystem-backed lockfile store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fault.New(fault.CodeConfigInvalid, "lockstore: ensuring %s", baseDir).WithCause(err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".lock.json")
}

func (s *FileStore) Put(_ context.Context, lf *resolve.Lockfile) (string, error) {
	raw, addr, err := encode(lf)
	if err != nil {
		return "", err
	}
	hash, _ := rawHash(addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	// Write to temp, then rename, so readers never see a partial file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", fault.New(fault.CodeConfigInvalid, "lockstore: writing %s", path).WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fault.New(fault.CodeConfigInvalid, "lockstore: committing %s", path).WithCause(err)
	}
	return addr, nil
}

func (s *FileStore) Get(_ context.Context, addr string) (*resolve.Lockfile, error) {
	hash, err := rawHash(addr)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.CodeNotFound, "lockfile %s not found", addr)
		}
		return nil, fault.New(fault.CodeConfigInvalid, "lockstore: reading %s", addr).WithCause(err)
	}
	return decode(raw, addr)
}

func (s *FileStore) Exists(_ context.Context, addr string) (bool, error) {
	hash, err := rawHash(addr)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, addr string) error {
	hash, err := rawHash(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return fault.New(fault.CodeConfigInvalid, "lockstore: deleting %s", addr).WithCause(err)
	}
	return nil
}
