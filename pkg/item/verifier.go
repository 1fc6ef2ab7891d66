package item

import (
	"context"
	"sync"
	"time"

	"github.com/keelworks/keel/pkg/canonicalize"
	"github.com/keelworks/keel/pkg/fault"
)

// VerificationResult reports an integrity check.
type VerificationResult struct {
	Valid        bool     `json:"valid"`
	ExpectedHash string   `json:"expected_hash,omitempty"`
	ActualHash   string   `json:"actual_hash"`
	RiskTier     RiskTier `json:"risk_tier"`
	Cached       bool     `json:"cached"`
}

// Verifier checks item content hashes against expected digests, caching
// successful results with a TTL. Cache entries are keyed by the actual
// content hash, so changed content can never hit a stale entry. Failed
// verifications are never cached: an integrity mismatch must surface on
// every call, not only the first.
type Verifier struct {
	trust    TrustSource // may be nil: every item is then unverified tier
	anchors  *Anchors    // may be nil: signature lines parse but are not checked
	cacheTTL time.Duration
	maxSize  int
	clock    func() time.Time

	mu      sync.Mutex
	cache   map[string]cacheEntry
	hits    int64
	misses  int64
}

type cacheEntry struct {
	result  VerificationResult
	created time.Time
}

// NewVerifier creates a verifier. trust and anchors may be nil.
func NewVerifier(trust TrustSource, anchors *Anchors) *Verifier {
	return &Verifier{
		trust:    trust,
		anchors:  anchors,
		cacheTTL: 5 * time.Minute,
		maxSize:  1000,
		clock:    time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

// WithClock overrides the clock for testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify computes the item's content hash and validates it against the
// expected digest from the trust source (when one exists) and the item's own
// signature line (when present). A malformed item fails hard; a missing
// expected hash downgrades to the unverified tier instead of failing.
func (v *Verifier) Verify(ctx context.Context, it *Item) (VerificationResult, error) {
	actual, err := it.ContentHash()
	if err != nil {
		return VerificationResult{}, fault.New(fault.CodeMalformedItem,
			"item cannot be canonically serialized").WithItem(it.Ref.String()).WithCause(err)
	}

	if cached, ok := v.getCached(actual); ok {
		cached.Cached = true
		if !cached.Valid {
			return cached, fault.New(fault.CodeIntegrity,
				"content hash %s failed verification", shortHash(actual)).WithItem(it.Ref.String())
		}
		return cached, nil
	}

	result := VerificationResult{ActualHash: actual, RiskTier: RiskUnverified, Valid: true}

	var expected string
	if v.trust != nil {
		expected, err = v.trust.ExpectedHash(ctx, it.Ref)
		if err != nil {
			return VerificationResult{}, err
		}
	}
	if expected == "" && it.Signature != nil {
		expected = it.Signature.Digest
	}

	if expected != "" {
		result.ExpectedHash = expected
		if !canonicalize.MatchesDigest(expected, actual) {
			result.Valid = false
			return result, fault.New(fault.CodeIntegrity,
				"content hash %s does not match expected %s", shortHash(actual), shortHash(expected)).
				WithItem(it.Ref.String())
		}
		result.RiskTier = RiskSigned
	}

	if it.Signature != nil && v.anchors != nil {
		if err := v.anchors.VerifySignature(it.Signature); err != nil {
			result.Valid = false
			return result, err
		}
		result.RiskTier = RiskSigned
	}

	v.putCached(actual, result)
	return result, nil
}

func (v *Verifier) getCached(hash string) (VerificationResult, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.cache[hash]
	if !ok || v.clock().Sub(entry.created) > v.cacheTTL {
		if ok {
			delete(v.cache, hash)
		}
		v.misses++
		return VerificationResult{}, false
	}
	v.hits++
	return entry.result, true
}

func (v *Verifier) putCached(hash string, result VerificationResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cache) >= v.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, e := range v.cache {
			if oldestKey == "" || e.created.Before(oldest) {
				oldestKey, oldest = k, e.created
			}
		}
		delete(v.cache, oldestKey)
	}
	v.cache[hash] = cacheEntry{result: result, created: v.clock()}
}

// CacheStats returns hit/miss counters for monitoring.
func (v *Verifier) CacheStats() (hits, misses int64, size int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hits, v.misses, len(v.cache)
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
