package item

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignature_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	digest := "f4746c38830aa471cd2c7429165abe88adb7e264877ff2dff61d674a38ada8ae"
	sig := Sign(priv, "key-1", digest, time.Date(2026, 2, 14, 0, 36, 32, 0, time.UTC))

	parsed, err := ParseSignature("# " + sig.Format())
	require.NoError(t, err)
	assert.Equal(t, sig.Digest, parsed.Digest)
	assert.Equal(t, sig.KeyID, parsed.KeyID)
	assert.Equal(t, sig.SignedAt, parsed.SignedAt)

	anchors := NewAnchors(TrustAnchor{KeyID: "key-1", PublicKey: pub})
	assert.NoError(t, anchors.VerifySignature(parsed))
}

func TestSignature_CommentMarkers(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig := Sign(priv, "k", "abcd", time.Now())

	for _, line := range []string{
		"# " + sig.Format(),
		"// " + sig.Format(),
		"<!-- " + sig.Format() + " -->",
		sig.Format(),
	} {
		_, err := ParseSignature(line)
		assert.NoError(t, err, line)
	}
}

func TestSignature_UnknownKeyRejected(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig := Sign(priv, "rogue", "abcd", time.Now())

	anchors := NewAnchors()
	assert.Error(t, anchors.VerifySignature(sig))
}

func TestSignature_TamperedDigestRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig := Sign(priv, "key-1", "abcd", time.Now())
	sig.Digest = "ef01"

	anchors := NewAnchors(TrustAnchor{KeyID: "key-1", PublicKey: pub})
	assert.Error(t, anchors.VerifySignature(sig))
}

func TestSignature_KeyValidityWindow(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signedAt := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	sig := Sign(priv, "key-1", "abcd", signedAt)

	anchors := NewAnchors(TrustAnchor{
		KeyID:     "key-1",
		PublicKey: pub,
		ValidFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, anchors.VerifySignature(sig), "signature predates key validity")
}

func TestParseSignature_Malformed(t *testing.T) {
	for _, line := range []string{
		"",
		"# not a signature",
		"keel:signed:notadate:ab:cd:k",
		"keel:signed:2026-01-01T00:00:00Z:ab",
	} {
		_, err := ParseSignature(line)
		assert.Error(t, err, line)
	}
}
