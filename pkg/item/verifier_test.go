package item

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/keel/pkg/fault"
)

type staticTrust map[string]string

func (s staticTrust) ExpectedHash(_ context.Context, ref Reference) (string, error) {
	return s[ref.Key()], nil
}

func TestVerifier_UnsignedIsUnverifiedTier(t *testing.T) {
	it := &Item{Ref: Reference{Type: TypeTool, ID: "a/b", Version: "1.0.0"}, Body: "x"}

	v := NewVerifier(nil, nil)
	res, err := v.Verify(context.Background(), it)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, RiskUnverified, res.RiskTier)
	assert.NotEmpty(t, res.ActualHash)
}

func TestVerifier_ExpectedHashMatch(t *testing.T) {
	it := &Item{Ref: Reference{Type: TypeTool, ID: "a/b", Version: "1.0.0"}, Body: "x"}
	hash, err := it.ContentHash()
	require.NoError(t, err)

	trust := staticTrust{it.Ref.Key(): hash}
	v := NewVerifier(trust, nil)
	res, err := v.Verify(context.Background(), it)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, RiskSigned, res.RiskTier)
}

func TestVerifier_ShortHashPrefix(t *testing.T) {
	it := &Item{Ref: Reference{Type: TypeTool, ID: "a/b", Version: "1.0.0"}, Body: "x"}
	hash, err := it.ContentHash()
	require.NoError(t, err)

	trust := staticTrust{it.Ref.Key(): hash[:16]}
	v := NewVerifier(trust, nil)
	res, err := v.Verify(context.Background(), it)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerifier_HashMismatchFails(t *testing.T) {
	it := &Item{Ref: Reference{Type: TypeTool, ID: "a/b", Version: "1.0.0"}, Body: "x"}

	trust := staticTrust{it.Ref.Key(): "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"}
	v := NewVerifier(trust, nil)
	_, err := v.Verify(context.Background(), it)
	require.Error(t, err)
	assert.Equal(t, fault.CodeIntegrity, fault.CodeOf(err))
}

func TestVerifier_HashMismatchFailsOnEveryCall(t *testing.T) {
	it := &Item{Ref: Reference{Type: TypeTool, ID: "a/b", Version: "1.0.0"}, Body: "x"}

	trust := staticTrust{it.Ref.Key(): "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"}
	v := NewVerifier(trust, nil)
	ctx := context.Background()

	res, err := v.Verify(ctx, it)
	require.Error(t, err)
	assert.False(t, res.Valid)

	// Mismatches must not be served from the cache as clean results.
	res, err = v.Verify(ctx, it)
	require.Error(t, err)
	assert.Equal(t, fault.CodeIntegrity, fault.CodeOf(err))
	assert.False(t, res.Valid)
	assert.False(t, res.Cached)
}

func TestVerifier_CacheHitAndTTL(t *testing.T) {
	it := &Item{Ref: Reference{Type: TypeTool, ID: "a/b", Version: "1.0.0"}, Body: "x"}

	now := time.Unix(1000, 0)
	v := NewVerifier(nil, nil).WithClock(func() time.Time { return now })

	res, err := v.Verify(context.Background(), it)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	res, err = v.Verify(context.Background(), it)
	require.NoError(t, err)
	assert.True(t, res.Cached)

	now = now.Add(10 * time.Minute) // past TTL
	res, err = v.Verify(context.Background(), it)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	hits, misses, size := v.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
	assert.Equal(t, 1, size)
}

func TestVerifier_ChangedContentMissesCache(t *testing.T) {
	v := NewVerifier(nil, nil)
	ctx := context.Background()

	a := &Item{Ref: Reference{Type: TypeTool, ID: "a/b", Version: "1.0.0"}, Body: "one"}
	b := &Item{Ref: Reference{Type: TypeTool, ID: "a/b", Version: "1.0.0"}, Body: "two"}

	resA, err := v.Verify(ctx, a)
	require.NoError(t, err)
	resB, err := v.Verify(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, resA.ActualHash, resB.ActualHash)
	assert.False(t, resB.Cached, "different content never hits a stale entry")
}
