package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGrant(t *testing.T) {
	g, err := ParseGrant("execute.tool.security.*")
	require.NoError(t, err)
	assert.Equal(t, ActionExecute, g.Action)
	assert.Equal(t, "tool", g.ResourceType)
	assert.Equal(t, "security.*", g.Resource)
	assert.Equal(t, "execute.tool.security.*", g.String())
}

func TestParseGrant_Malformed(t *testing.T) {
	for _, s := range []string{"", "execute", "execute.tool", "execute..x", ".tool.x"} {
		_, err := ParseGrant(s)
		assert.Error(t, err, s)
	}
}

func TestGrantCovers(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"execute.tool.security.*", "execute.tool.security.scanner", true},
		{"execute.tool.security.*", "execute.tool.security.audit.port", true},
		{"execute.tool.security.*", "execute.tool.database.write", false},
		{"execute.tool.security.scanner", "execute.tool.security.scanner", true},
		{"execute.tool.*", "execute.tool.security.scanner", true},
		{"execute.tool.*.scanner", "execute.tool.security.scanner", true},
		{"execute.tool.*.scanner", "execute.tool.security.audit", false},
		{"load.tool.security.*", "execute.tool.security.scanner", false},    // action differs
		{"execute.directive.security.*", "execute.tool.security.x", false},  // type differs
		{"execute.tool.security", "execute.tool.security.scanner", false},   // no glob, no match
		{"execute.tool.security.*", "execute.tool.security", false},         // glob needs a segment
	}
	for _, tt := range tests {
		p, err := ParseGrant(tt.pattern)
		require.NoError(t, err)
		g, err := ParseGrant(tt.path)
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.Covers(g), "%s covers %s", tt.pattern, tt.path)
	}
}

func TestFromDeclarations(t *testing.T) {
	decl := Declarations{
		"execute": {"tool:security/*", "directive:workflows/deploy"},
		"search":  {"knowledge:*"},
	}
	grants, err := FromDeclarations(decl)
	require.NoError(t, err)

	strs := make([]string, len(grants))
	for i, g := range grants {
		strs[i] = g.String()
	}
	assert.Equal(t, []string{
		"execute.directive.workflows.deploy",
		"execute.tool.security.*",
		"search.knowledge.*",
	}, strs)
}

func TestFromDeclarations_EmptyIsRestrictive(t *testing.T) {
	grants, err := FromDeclarations(nil)
	require.NoError(t, err)
	assert.Empty(t, grants)

	grants, err = FromDeclarations(Declarations{})
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestFromDeclarations_Malformed(t *testing.T) {
	_, err := FromDeclarations(Declarations{"execute": {"no-colon"}})
	assert.Error(t, err)

	_, err = FromDeclarations(Declarations{"execute": {"tool:"}})
	assert.Error(t, err)
}

func TestFromDeclarations_Deterministic(t *testing.T) {
	decl := Declarations{
		"execute": {"tool:b/*", "tool:a/*"},
		"load":    {"tool:c"},
	}
	a, err := FromDeclarations(decl)
	require.NoError(t, err)
	b, err := FromDeclarations(decl)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExpand_Hierarchy(t *testing.T) {
	g, err := ParseGrant("execute.tool.security.*")
	require.NoError(t, err)

	out := Expand([]Grant{g})
	strs := make([]string, len(out))
	for i, e := range out {
		strs[i] = e.String()
	}
	assert.Equal(t, []string{"execute.tool.security.*", "load.tool.security.*"}, strs)
}
