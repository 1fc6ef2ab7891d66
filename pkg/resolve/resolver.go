// Package resolve turns a tool reference into an ordered, verified execution
// chain terminating at a primitive, plus a reproducible lockfile.
//
// Resolution walks the delegation graph through executor references with an
// explicit visited set, verifying content integrity and permission
// satisfiability at every layer. Given the same item store state, resolving
// the same root twice yields identical chains and byte-identical lockfiles.
package resolve

import (
	"context"
	"errors"
	"log/slog"

	"github.com/keelworks/keel/pkg/capability"
	"github.com/keelworks/keel/pkg/fault"
	"github.com/keelworks/keel/pkg/item"
)

// DefaultMaxDepth bounds chain length. A safety limit against malicious or
// buggy delegation data, not an assumption about typical depth.
const DefaultMaxDepth = 16

// Link is one verified layer of an execution chain.
type Link struct {
	Ref            item.Reference     `json:"item_ref"`
	ContentHash    string             `json:"content_hash"`
	RiskTier       item.RiskTier      `json:"risk_tier"`
	DeclaredGrants []capability.Grant `json:"declared_permissions,omitempty"`
	ExecutorRef    *item.Reference    `json:"executor_ref,omitempty"`

	// Item carries the loaded content for execution. Not serialized.
	Item *item.Item `json:"-"`
}

// Chain is an ordered sequence of links: the root item first, the terminal
// primitive last. Link i's executor is link i+1.
type Chain struct {
	Links []Link `json:"links"`
}

// Terminal returns the primitive link.
func (c *Chain) Terminal() *Link {
	if len(c.Links) == 0 {
		return nil
	}
	return &c.Links[len(c.Links)-1]
}

// Path returns the ordered item IDs, for error attribution.
func (c *Chain) Path() []string {
	out := make([]string, len(c.Links))
	for i, l := range c.Links {
		out[i] = l.Ref.ID
	}
	return out
}

// RequiredGrants returns the union of every link's declared grants: the
// capability set an execution token must be scoped to.
func (c *Chain) RequiredGrants() []capability.Grant {
	var all []capability.Grant
	for _, l := range c.Links {
		all = append(all, l.DeclaredGrants...)
	}
	return capability.Expand(all)
}

// Lockfile derives the chain's lockfile.
func (c *Chain) Lockfile() *Lockfile {
	lf := &Lockfile{LockfileVersion: LockfileVersion}
	for i, l := range c.Links {
		entry := LockEntry{ItemID: l.Ref.ID, Version: l.Ref.Version, ContentHash: l.ContentHash}
		if i == 0 {
			lf.Root = entry
		}
		lf.ResolvedChain = append(lf.ResolvedChain, entry)
	}
	return lf
}

// Resolver expands item references into verified chains.
type Resolver struct {
	store    item.Store
	verifier *item.Verifier
	cache    Cache
	maxDepth int
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxDepth overrides the chain depth bound.
func WithMaxDepth(depth int) Option {
	return func(r *Resolver) { r.maxDepth = depth }
}

// WithCache attaches a lockfile cache. Cached lockfiles are always
// re-validated hash by hash before short-circuiting; a stale cache triggers
// full re-resolution, never partial trust.
func WithCache(c Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver over a store and verifier.
func NewResolver(store item.Store, verifier *item.Verifier, opts ...Option) *Resolver {
	r := &Resolver{
		store:    store,
		verifier: verifier,
		maxDepth: DefaultMaxDepth,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve expands ref into a chain under token. Each link's declared
// permissions must be satisfiable by token before the link is accepted; the
// first unsatisfiable link aborts with a permission error naming it.
//
// A nil token skips permission validation (used when the harness constructs
// the root token from the root item's own declarations).
func (r *Resolver) Resolve(ctx context.Context, ref item.Reference, token *capability.Token) (*Chain, error) {
	if r.cache != nil {
		if lf, ok := r.cache.Get(ctx, ref.String()); ok {
			chain, err := r.Replay(ctx, ref, token, lf)
			if err == nil {
				return chain, nil
			}
			if !fault.Is(err, fault.CodeLockfileStale) {
				return nil, err
			}
			r.logger.Debug("lockfile stale, re-resolving", "ref", ref.String())
		}
	}

	chain, err := r.walk(ctx, ref, token)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(ctx, ref.String(), chain.Lockfile())
	}
	return chain, nil
}

// Replay rebuilds a chain from a lockfile's pinned entries: each link is
// loaded at its locked version and verified against its locked content hash,
// skipping version selection and graph discovery entirely. Any divergence
// from the lock fails with a stale-lockfile error so the caller re-resolves
// in full.
func (r *Resolver) Replay(ctx context.Context, root item.Reference, token *capability.Token, lf *Lockfile) (*Chain, error) {
	if lf == nil || lf.LockfileVersion != LockfileVersion {
		return nil, fault.New(fault.CodeLockfileStale, "missing or incompatible lockfile")
	}
	if len(lf.ResolvedChain) == 0 || lf.ResolvedChain[0].ItemID != root.ID {
		return nil, fault.New(fault.CodeLockfileStale, "lockfile does not describe %s", root.ID)
	}
	if len(lf.ResolvedChain) > r.maxDepth {
		return nil, fault.New(fault.CodeChainTooDeep,
			"locked chain exceeds maximum depth %d", r.maxDepth).WithItem(root.String())
	}

	chain := &Chain{}
	// Lock entries carry no type; the root's type is known and each
	// executor reference supplies the next link's.
	currentType := root.Type
	for i, rec := range lf.ResolvedChain {
		ref := item.Reference{Type: currentType, ID: rec.ItemID, Version: rec.Version}
		it, err := r.store.GetItem(ctx, ref)
		if err != nil {
			if fault.Is(err, fault.CodeNotFound) {
				return nil, fault.New(fault.CodeLockfileStale,
					"locked item no longer in store").WithItem(ref.String()).WithCause(err)
			}
			return nil, wrapWithChain(err, chain)
		}

		verification, err := r.verifier.Verify(ctx, it)
		if err != nil {
			return nil, wrapWithChain(err, chain)
		}
		if !verification.Valid || verification.ActualHash != rec.ContentHash {
			return nil, fault.New(fault.CodeLockfileStale,
				"link %d changed since lock", i).WithItem(ref.String())
		}

		grants, err := it.DeclaredGrants()
		if err != nil {
			return nil, fault.New(fault.CodeMalformedItem, "invalid permission declaration").
				WithItem(it.Ref.String()).WithChain(chain.Path()).WithCause(err)
		}
		if token != nil {
			for _, g := range grants {
				if !token.Check(g) {
					return nil, fault.New(fault.CodePermissionDenied,
						"link requires grant the token does not hold").
						WithItem(it.Ref.String()).WithGrant(g.String()).WithChain(chain.Path())
				}
			}
		}

		chain.Links = append(chain.Links, Link{
			Ref:            it.Ref,
			ContentHash:    verification.ActualHash,
			RiskTier:       verification.RiskTier,
			DeclaredGrants: grants,
			ExecutorRef:    it.ExecutorRef,
			Item:           it,
		})

		if i == len(lf.ResolvedChain)-1 {
			if it.ExecutorRef != nil {
				return nil, fault.New(fault.CodeLockfileStale,
					"chain extended past locked terminal").WithItem(it.Ref.String())
			}
			return chain, nil
		}
		if it.ExecutorRef == nil || it.ExecutorRef.ID != lf.ResolvedChain[i+1].ItemID {
			return nil, fault.New(fault.CodeLockfileStale,
				"delegation changed since lock at link %d", i).WithItem(it.Ref.String())
		}
		currentType = it.ExecutorRef.Type
	}
	return chain, nil
}

func (r *Resolver) walk(ctx context.Context, ref item.Reference, token *capability.Token) (*Chain, error) {
	chain := &Chain{}
	visited := make(map[string]struct{})
	current := ref

	for depth := 0; ; depth++ {
		if depth >= r.maxDepth {
			return nil, fault.New(fault.CodeChainTooDeep,
				"chain exceeds maximum depth %d", r.maxDepth).
				WithItem(current.String()).WithChain(chain.Path())
		}
		if _, seen := visited[current.Key()]; seen {
			return nil, fault.New(fault.CodeCycleDetected,
				"delegation cycle through %s", current.Key()).
				WithItem(current.String()).WithChain(chain.Path())
		}
		visited[current.Key()] = struct{}{}

		it, err := r.store.GetItem(ctx, current)
		if err != nil {
			return nil, wrapWithChain(err, chain)
		}

		verification, err := r.verifier.Verify(ctx, it)
		if err != nil {
			return nil, wrapWithChain(err, chain)
		}
		if !verification.Valid {
			return nil, fault.New(fault.CodeIntegrity, "item failed integrity verification").
				WithItem(it.Ref.String()).WithChain(chain.Path())
		}

		grants, err := it.DeclaredGrants()
		if err != nil {
			return nil, fault.New(fault.CodeMalformedItem, "invalid permission declaration").
				WithItem(it.Ref.String()).WithChain(chain.Path()).WithCause(err)
		}
		if token != nil {
			for _, g := range grants {
				if !token.Check(g) {
					return nil, fault.New(fault.CodePermissionDenied,
						"link requires grant the token does not hold").
						WithItem(it.Ref.String()).WithGrant(g.String()).WithChain(chain.Path())
				}
			}
		}

		chain.Links = append(chain.Links, Link{
			Ref:            it.Ref,
			ContentHash:    verification.ActualHash,
			RiskTier:       verification.RiskTier,
			DeclaredGrants: grants,
			ExecutorRef:    it.ExecutorRef,
			Item:           it,
		})

		if it.ExecutorRef == nil {
			// Terminal primitive reached.
			return chain, nil
		}
		current = *it.ExecutorRef
	}
}

func wrapWithChain(err error, chain *Chain) error {
	var ke *fault.Error
	if errors.As(err, &ke) && len(ke.Chain) == 0 {
		ke.Chain = chain.Path()
	}
	return err
}
