// Package item defines the kernel's declarative items — directives, tools,
// runtimes, primitives — and the read-only stores they are loaded from.
//
// Items are immutable, versioned, content-addressed values. The kernel never
// writes to an item store during execution; resolution re-validates hashes
// instead of trusting prior results.
package item

import (
	"fmt"
	"strings"

	"github.com/keelworks/keel/pkg/canonicalize"
	"github.com/keelworks/keel/pkg/capability"
)

// Type is the category of a declarative item.
type Type string

const (
	TypeDirective Type = "directive"
	TypeTool      Type = "tool"
	TypeRuntime   Type = "runtime"
	TypePrimitive Type = "primitive"
)

// Reference identifies an item: type plus "namespace/category/name" id, with
// an optional semver constraint. An empty Version resolves to the latest
// compatible version.
type Reference struct {
	Type    Type   `json:"item_type"`
	ID      string `json:"item_id"`
	Version string `json:"version,omitempty"`
}

// String renders the reference as "type:id@version".
func (r Reference) String() string {
	if r.Version == "" {
		return fmt.Sprintf("%s:%s", r.Type, r.ID)
	}
	return fmt.Sprintf("%s:%s@%s", r.Type, r.ID, r.Version)
}

// Key returns a version-independent identity for visited-set bookkeeping.
func (r Reference) Key() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// ParseReference parses "type:namespace/category/name[@version]".
func ParseReference(s string) (Reference, error) {
	typePart, rest, ok := strings.Cut(s, ":")
	if !ok || typePart == "" || rest == "" {
		return Reference{}, fmt.Errorf("item: malformed reference %q", s)
	}
	ref := Reference{Type: Type(typePart)}
	if id, ver, ok := strings.Cut(rest, "@"); ok {
		ref.ID, ref.Version = id, ver
	} else {
		ref.ID = rest
	}
	switch ref.Type {
	case TypeDirective, TypeTool, TypeRuntime, TypePrimitive:
	default:
		return Reference{}, fmt.Errorf("item: unknown item type %q", typePart)
	}
	return ref, nil
}

// RiskTier classifies an item's provenance.
type RiskTier string

const (
	RiskSigned     RiskTier = "signed"     // signature present and verified
	RiskUnverified RiskTier = "unverified" // no signature; distinct tier, not a failure
)

// Item is a loaded declarative item. All fields are immutable after load.
type Item struct {
	Ref          Reference               `json:"ref"` // resolved: Version is concrete
	Body         string                  `json:"body"`
	Declarations capability.Declarations `json:"permissions,omitempty"`
	ExecutorRef  *Reference              `json:"executor,omitempty"` // nil marks a terminal primitive
	ParamSchema  []byte                  `json:"param_schema,omitempty"`
	Signature    *Signature              `json:"-"` // parsed from the signature line, not part of content
	Metadata     map[string]string       `json:"metadata,omitempty"`
}

// DeclaredGrants flattens the item's permission declarations. Missing
// declarations yield an empty grant set.
func (it *Item) DeclaredGrants() ([]capability.Grant, error) {
	return capability.FromDeclarations(it.Declarations)
}

// ContentHash returns the canonical digest of the item's semantic content.
// The signature line, comment placement, and source key ordering never
// influence the digest.
func (it *Item) ContentHash() (string, error) {
	content := map[string]interface{}{
		"item_id":     it.Ref.ID,
		"item_type":   string(it.Ref.Type),
		"version":     it.Ref.Version,
		"body":        it.Body,
		"permissions": it.Declarations,
	}
	if it.ExecutorRef != nil {
		content["executor"] = it.ExecutorRef.String()
	}
	if len(it.ParamSchema) > 0 {
		canonical, err := canonicalize.Transform(it.ParamSchema)
		if err != nil {
			return "", err
		}
		content["param_schema"] = string(canonical)
	}
	return canonicalize.CanonicalHash(content)
}

// RiskTier classifies the item by signature presence.
func (it *Item) RiskTier() RiskTier {
	if it.Signature != nil {
		return RiskSigned
	}
	return RiskUnverified
}
