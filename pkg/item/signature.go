package item

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/keelworks/keel/pkg/fault"
)

// Signature is a parsed item signature line:
//
//	keel:signed:<RFC3339>:<sha256-hex>:<base64url-ed25519-sig>:<key-id>
//
// The digest inside the line is the content hash the signer saw; signature
// verification covers the digest, not the raw file bytes, so incidental
// reformatting does not invalidate a signature as long as semantic content is
// unchanged.
type Signature struct {
	SignedAt time.Time `json:"signed_at"`
	Digest   string    `json:"digest"`
	Sig      []byte    `json:"sig"`
	KeyID    string    `json:"key_id"`
}

const signaturePrefix = "keel:signed:"

// ParseSignature parses a signature line. Leading comment markers ("#",
// "//", "<!--") and surrounding whitespace are tolerated.
func ParseSignature(line string) (*Signature, error) {
	s := strings.TrimSpace(line)
	for _, marker := range []string{"#", "//", "<!--"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, marker))
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "-->")
	s = strings.TrimSpace(s)

	if !strings.HasPrefix(s, signaturePrefix) {
		return nil, fault.New(fault.CodeMalformedItem, "not a signature line")
	}
	rest := strings.TrimPrefix(s, signaturePrefix)

	// Timestamp contains colons; split from the right.
	parts := strings.Split(rest, ":")
	if len(parts) < 4 {
		return nil, fault.New(fault.CodeMalformedItem, "signature line has %d fields, want 4", len(parts))
	}
	keyID := parts[len(parts)-1]
	sigB64 := parts[len(parts)-2]
	digest := parts[len(parts)-3]
	ts := strings.Join(parts[:len(parts)-3], ":")

	signedAt, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return nil, fault.New(fault.CodeMalformedItem, "bad signature timestamp %q", ts).WithCause(err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fault.New(fault.CodeMalformedItem, "bad signature encoding").WithCause(err)
	}
	if digest == "" || keyID == "" {
		return nil, fault.New(fault.CodeMalformedItem, "signature missing digest or key id")
	}
	return &Signature{SignedAt: signedAt, Digest: digest, Sig: sig, KeyID: keyID}, nil
}

// Format renders the signature line without a comment marker.
func (s *Signature) Format() string {
	return fmt.Sprintf("%s%s:%s:%s:%s",
		signaturePrefix,
		s.SignedAt.UTC().Format(time.RFC3339),
		s.Digest,
		base64.RawURLEncoding.EncodeToString(s.Sig),
		s.KeyID,
	)
}

// TrustAnchor is a trusted signing key.
type TrustAnchor struct {
	KeyID      string            `json:"key_id"`
	PublicKey  ed25519.PublicKey `json:"public_key"`
	ValidFrom  time.Time         `json:"valid_from"`
	ValidUntil time.Time         `json:"valid_until"` // zero means no end
}

// Anchors verifies signatures against a set of trust anchors and acts as the
// kernel's TrustSource.
type Anchors struct {
	byKeyID map[string]TrustAnchor
}

// NewAnchors builds an anchor set.
func NewAnchors(anchors ...TrustAnchor) *Anchors {
	m := make(map[string]TrustAnchor, len(anchors))
	for _, a := range anchors {
		m[a.KeyID] = a
	}
	return &Anchors{byKeyID: m}
}

// VerifySignature checks sig against the anchor identified by its key ID.
// The signed message is the digest string.
func (a *Anchors) VerifySignature(sig *Signature) error {
	anchor, ok := a.byKeyID[sig.KeyID]
	if !ok {
		return fault.New(fault.CodeIntegrity, "unknown signing key %q", sig.KeyID)
	}
	if sig.SignedAt.Before(anchor.ValidFrom) ||
		(!anchor.ValidUntil.IsZero() && sig.SignedAt.After(anchor.ValidUntil)) {
		return fault.New(fault.CodeIntegrity, "signing key %q not valid at signature time", sig.KeyID)
	}
	if !ed25519.Verify(anchor.PublicKey, []byte(sig.Digest), sig.Sig) {
		return fault.New(fault.CodeIntegrity, "signature verification failed for key %q", sig.KeyID)
	}
	return nil
}

// Sign produces a signature over digest with the given key. Helper for tests
// and the signing CLI path.
func Sign(priv ed25519.PrivateKey, keyID, digest string, at time.Time) *Signature {
	return &Signature{
		SignedAt: at.UTC(),
		Digest:   digest,
		Sig:      ed25519.Sign(priv, []byte(digest)),
		KeyID:    keyID,
	}
}
