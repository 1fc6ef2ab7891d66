//go:build property
// +build property

// Property-based tests for the monotonic narrowing invariant.
package capability_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/keelworks/keel/pkg/capability"
)

func grantGen() gopter.Gen {
	actions := gen.OneConstOf("execute", "search", "load", "sign")
	segments := gen.OneConstOf("security", "database", "network", "workflows", "scanner", "*")
	return gopter.CombineGens(actions, gen.OneConstOf("tool", "directive"), segments, segments).
		Map(func(vals []interface{}) capability.Grant {
			return capability.Grant{
				Action:       capability.Action(vals[0].(string)),
				ResourceType: vals[1].(string),
				Resource:     vals[2].(string) + "." + vals[3].(string),
			}
		})
}

// Property: for all tokens T and requested sets G, Narrow(T, G).grants is a
// subset of T.grants under subsumption, and Derive never succeeds with a
// grant T does not cover.
func TestMonotonicNarrowing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("narrowed tokens never exceed their parent", prop.ForAll(
		func(parentGrants, requested []capability.Grant) bool {
			if len(parentGrants) == 0 {
				parentGrants = []capability.Grant{{
					Action: capability.ActionExecute, ResourceType: "tool", Resource: "security.*",
				}}
			}
			parent := capability.NewRootToken("parent", parentGrants)

			child, err := parent.Narrow("child", requested)
			if err != nil {
				// Empty intersection is the only legal failure.
				for _, g := range requested {
					if parent.Check(g) {
						return false
					}
				}
				return true
			}
			for _, g := range child.Grants() {
				if !parent.Check(g) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(grantGen()),
		gen.SliceOf(grantGen()),
	))

	properties.Property("strict derivation rejects any uncovered grant", prop.ForAll(
		func(parentGrants, requested []capability.Grant) bool {
			parent := capability.NewRootToken("parent", parentGrants)
			child, err := parent.Derive("child", requested)
			if err != nil {
				return true
			}
			for _, g := range child.Grants() {
				if !parent.Check(g) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(grantGen()),
		gen.SliceOf(grantGen()),
	))

	properties.TestingRun(t)
}
