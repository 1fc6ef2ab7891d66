package item

import (
	"context"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/keelworks/keel/pkg/fault"
)

// Store is the read interface the kernel consumes items through. During a
// single resolution the store is read-only; it may change between
// invocations, which is why lockfiles are re-validated rather than trusted.
type Store interface {
	// GetItem loads the item for ref, resolving an empty or constraint
	// version to the latest compatible concrete version.
	GetItem(ctx context.Context, ref Reference) (*Item, error)

	// ListVersions returns the known concrete versions for an item id,
	// ascending by semver.
	ListVersions(ctx context.Context, itemType Type, id string) ([]string, error)
}

// TrustSource supplies expected digests for items. A nil digest (empty
// string, no error) means the item is unsigned: a distinct risk tier, not an
// automatic failure.
type TrustSource interface {
	ExpectedHash(ctx context.Context, ref Reference) (string, error)
}

// Memory is an in-memory Store for tests and embedded use.
type Memory struct {
	mu    sync.RWMutex
	items map[string]map[string]*Item // key() -> version -> item
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]map[string]*Item)}
}

// Register adds an item. The item's reference must carry a concrete version.
func (m *Memory) Register(it *Item) error {
	if it.Ref.Version == "" {
		return fault.New(fault.CodeMalformedItem, "item registered without a concrete version").WithItem(it.Ref.ID)
	}
	if _, err := semver.NewVersion(it.Ref.Version); err != nil {
		return fault.New(fault.CodeMalformedItem, "invalid version %q", it.Ref.Version).WithItem(it.Ref.ID).WithCause(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byVersion, ok := m.items[it.Ref.Key()]
	if !ok {
		byVersion = make(map[string]*Item)
		m.items[it.Ref.Key()] = byVersion
	}
	byVersion[it.Ref.Version] = it
	return nil
}

func (m *Memory) GetItem(ctx context.Context, ref Reference) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byVersion, ok := m.items[ref.Key()]
	if !ok || len(byVersion) == 0 {
		return nil, fault.New(fault.CodeNotFound, "unknown item").WithItem(ref.String())
	}

	versions := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	chosen, err := ResolveVersion(ref.Version, versions)
	if err != nil {
		return nil, fault.New(fault.CodeNotFound, "no version satisfies %q", ref.Version).
			WithItem(ref.String()).WithCause(err)
	}
	return byVersion[chosen], nil
}

func (m *Memory) ListVersions(ctx context.Context, itemType Type, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byVersion, ok := m.items[Reference{Type: itemType, ID: id}.Key()]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "unknown item").WithItem(id)
	}
	versions := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sortVersions(versions)
	return versions, nil
}

// ResolveVersion picks the version matching constraint from candidates. An
// empty constraint selects the highest version; a concrete version must be
// present exactly; anything else is parsed as a semver constraint and the
// highest satisfying version wins.
func ResolveVersion(constraint string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fault.New(fault.CodeNotFound, "no versions available")
	}
	sortVersions(candidates)

	if constraint == "" {
		return candidates[len(candidates)-1], nil
	}

	// Exact match first: "1.2.0" pins.
	if _, err := semver.NewVersion(constraint); err == nil {
		for _, c := range candidates {
			if c == constraint {
				return c, nil
			}
		}
	}

	rng, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fault.New(fault.CodeNotFound, "invalid version constraint %q", constraint).WithCause(err)
	}
	for i := len(candidates) - 1; i >= 0; i-- {
		v, err := semver.NewVersion(candidates[i])
		if err != nil {
			continue
		}
		if rng.Check(v) {
			return candidates[i], nil
		}
	}
	return "", fault.New(fault.CodeNotFound, "no version satisfies constraint %q", constraint)
}

func sortVersions(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		vi, ei := semver.NewVersion(versions[i])
		vj, ej := semver.NewVersion(versions[j])
		if ei != nil || ej != nil {
			return versions[i] < versions[j]
		}
		return vi.LessThan(vj)
	})
}
