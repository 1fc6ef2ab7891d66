package capability

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/keelworks/keel/pkg/fault"
)

// Token binds a set of grants to one execution thread. Tokens form a tree:
// every derived token holds a strict subset (under glob subsumption) of its
// parent's grants, so no execution can ever act with a capability its
// ancestor lacked.
type Token struct {
	ID          string
	OwnerThread string
	IssuedAt    time.Time
	ExpiresAt   time.Time // zero means no expiry

	grants map[string]Grant
	parent *Token
}

// NewRootToken issues a token directly from a directive's top-level
// declarations. A root token has no parent.
func NewRootToken(ownerThread string, grants []Grant) *Token {
	t := &Token{
		ID:          uuid.New().String(),
		OwnerThread: ownerThread,
		IssuedAt:    time.Now().UTC(),
		grants:      make(map[string]Grant, len(grants)),
	}
	for _, g := range grants {
		t.grants[g.String()] = g
	}
	return t
}

// Grants returns the token's grants in canonical order.
func (t *Token) Grants() []Grant {
	out := make([]Grant, 0, len(t.grants))
	for _, g := range t.grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Parent returns the issuing token, or nil for a root token.
func (t *Token) Parent() *Token { return t.parent }

// Expired reports whether the token has an expiry in the past. Derive and
// Narrow refuse an expired issuer; Check stays a pure membership test.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Check tests direct or glob-subsumed membership of required in the token's
// grant set. It never errors: absence is a policy decision for the caller.
func (t *Token) Check(required Grant) bool {
	if _, ok := t.grants[required.String()]; ok {
		return true
	}
	for _, g := range t.grants {
		if g.Covers(required) {
			return true
		}
	}
	return false
}

// CheckAll reports whether every grant in required is covered.
func (t *Token) CheckAll(required []Grant) bool {
	for _, g := range required {
		if !t.Check(g) {
			return false
		}
	}
	return true
}

// Derive mints a child token holding exactly the requested grants. If any
// requested grant is not covered by this token, derivation fails with a
// permission escalation error naming the first offending grant: a delegated
// execution may never gain a capability its issuer lacks.
func (t *Token) Derive(ownerThread string, requested []Grant) (*Token, error) {
	if t.Expired(time.Now()) {
		return nil, fault.New(fault.CodePermissionDenied,
			"issuing token expired at %s", t.ExpiresAt.Format(time.RFC3339))
	}
	for _, g := range requested {
		if !t.Check(g) {
			return nil, fault.New(fault.CodePermissionEscalation,
				"requested grant exceeds issuer's authority").WithGrant(g.String())
		}
	}
	return t.child(ownerThread, requested), nil
}

// Narrow mints a child token holding the intersection of requested with this
// token's grants under subsumption. Uncovered grants are silently dropped; an
// empty intersection fails with a permission escalation error, since the
// derived execution would have been requested entirely outside its issuer's
// authority.
func (t *Token) Narrow(ownerThread string, requested []Grant) (*Token, error) {
	if t.Expired(time.Now()) {
		return nil, fault.New(fault.CodePermissionDenied,
			"issuing token expired at %s", t.ExpiresAt.Format(time.RFC3339))
	}
	kept := make([]Grant, 0, len(requested))
	for _, g := range requested {
		if t.Check(g) {
			kept = append(kept, g)
		}
	}
	if len(kept) == 0 {
		return nil, fault.New(fault.CodePermissionEscalation,
			"no requested grant is covered by the issuing token")
	}
	return t.child(ownerThread, kept), nil
}

func (t *Token) child(ownerThread string, grants []Grant) *Token {
	c := &Token{
		ID:          uuid.New().String(),
		OwnerThread: ownerThread,
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   t.ExpiresAt, // a child never outlives its parent's expiry
		grants:      make(map[string]Grant, len(grants)),
		parent:      t,
	}
	for _, g := range grants {
		c.grants[g.String()] = g
	}
	return c
}
