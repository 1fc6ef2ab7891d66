// Package capability implements the kernel's capability model: permission
// declarations flatten into canonical grant strings, grants aggregate into
// tokens, and tokens only ever narrow as they are derived down the spawn tree.
package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Action is the verb of a grant.
type Action string

const (
	ActionExecute Action = "execute"
	ActionSearch  Action = "search"
	ActionLoad    Action = "load"
	ActionSign    Action = "sign"
)

// Grant is a single canonical permission: action + resource type + resource
// path pattern. The canonical string form "{action}.{type}.{path}" is the
// cross-component representation used for equality and token embedding.
type Grant struct {
	Action       Action `json:"action"`
	ResourceType string `json:"resource_type"`
	Resource     string `json:"resource"` // dot-separated path, may end in a glob segment
}

// String returns the canonical grant string.
func (g Grant) String() string {
	return fmt.Sprintf("%s.%s.%s", g.Action, g.ResourceType, g.Resource)
}

// ParseGrant parses a canonical grant string.
func ParseGrant(s string) (Grant, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Grant{}, fmt.Errorf("capability: malformed grant %q", s)
	}
	return Grant{Action: Action(parts[0]), ResourceType: parts[1], Resource: parts[2]}, nil
}

// Covers reports whether g subsumes other: identical action and resource
// type, and g's resource pattern matches other's resource path. A "*"
// segment matches exactly one path segment; a trailing "*" matches any
// remaining suffix (including the empty one only when it replaces at least
// one segment).
func (g Grant) Covers(other Grant) bool {
	if g.Action != other.Action || g.ResourceType != other.ResourceType {
		return false
	}
	return patternMatches(g.Resource, other.Resource)
}

func patternMatches(pattern, path string) bool {
	if pattern == path {
		return true
	}
	pseg := strings.Split(pattern, ".")
	seg := strings.Split(path, ".")

	for i, p := range pseg {
		if p == "*" && i == len(pseg)-1 {
			// trailing glob swallows the rest
			return len(seg) >= i+1
		}
		if i >= len(seg) {
			return false
		}
		if p != "*" && p != seg[i] {
			return false
		}
	}
	return len(seg) == len(pseg)
}

// Declarations is the authored permission tree: action -> resource patterns.
// Resource patterns use the "type:path/glob" source form, e.g.
// "tool:security/*" or "directive:workflows/deploy".
type Declarations map[string][]string

// FromDeclarations flattens a permission declaration into sorted canonical
// grants, one per leaf resource pattern. Malformed patterns are rejected
// rather than skipped; a declaration is immutable signed content and a parse
// failure means the item is malformed.
func FromDeclarations(decl Declarations) ([]Grant, error) {
	if len(decl) == 0 {
		// Missing declarations mean an empty grant set: maximally restrictive.
		return nil, nil
	}
	var out []Grant
	for action, patterns := range decl {
		if action == "" {
			return nil, fmt.Errorf("capability: empty action in declaration")
		}
		for _, pat := range patterns {
			rtype, path, ok := strings.Cut(pat, ":")
			if !ok || rtype == "" || path == "" {
				return nil, fmt.Errorf("capability: malformed resource pattern %q", pat)
			}
			out = append(out, Grant{
				Action:       Action(action),
				ResourceType: rtype,
				Resource:     strings.ReplaceAll(path, "/", "."),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// hierarchy lists actions implied by a broader action on the same resource.
// Executing a tool requires being able to load it, so an execute grant
// carries the matching load grant.
var hierarchy = map[Action][]Action{
	ActionExecute: {ActionLoad},
}

// Expand applies the capability hierarchy, returning the input grants plus
// any implied ones, deduplicated and sorted.
func Expand(grants []Grant) []Grant {
	seen := make(map[string]Grant, len(grants))
	for _, g := range grants {
		seen[g.String()] = g
		for _, implied := range hierarchy[g.Action] {
			ig := Grant{Action: implied, ResourceType: g.ResourceType, Resource: g.Resource}
			seen[ig.String()] = ig
		}
	}
	out := make([]Grant, 0, len(seen))
	for _, g := range seen {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
