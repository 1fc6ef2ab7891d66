package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/keel/pkg/fault"
)

func mustGrant(t *testing.T, s string) Grant {
	t.Helper()
	g, err := ParseGrant(s)
	require.NoError(t, err)
	return g
}

func TestRootToken_Check(t *testing.T) {
	tok := NewRootToken("thread-root", []Grant{
		mustGrant(t, "execute.tool.security.*"),
		mustGrant(t, "search.knowledge.*"),
	})

	assert.True(t, tok.Check(mustGrant(t, "execute.tool.security.scanner")))
	assert.True(t, tok.Check(mustGrant(t, "execute.tool.security.*")))
	assert.False(t, tok.Check(mustGrant(t, "execute.tool.database.write")))
	assert.False(t, tok.Check(mustGrant(t, "sign.tool.security.scanner")))
}

func TestDerive_Subset(t *testing.T) {
	parent := NewRootToken("parent", []Grant{mustGrant(t, "execute.tool.security.*")})

	child, err := parent.Derive("child", []Grant{mustGrant(t, "execute.tool.security.scanner")})
	require.NoError(t, err)

	assert.Equal(t, parent, child.Parent())
	for _, g := range child.Grants() {
		assert.True(t, parent.Check(g), "child grant %s must be covered by parent", g)
	}
}

func TestDerive_EscalationFails(t *testing.T) {
	parent := NewRootToken("parent", []Grant{mustGrant(t, "execute.tool.security.*")})

	_, err := parent.Derive("child", []Grant{
		mustGrant(t, "execute.tool.security.scanner"),
		mustGrant(t, "execute.tool.database.write"),
	})
	require.Error(t, err)
	assert.Equal(t, fault.CodePermissionEscalation, fault.CodeOf(err))

	var ke *fault.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "execute.tool.database.write", ke.Grant)
}

func TestNarrow_DropsUncovered(t *testing.T) {
	parent := NewRootToken("parent", []Grant{mustGrant(t, "execute.tool.security.*")})

	child, err := parent.Narrow("child", []Grant{
		mustGrant(t, "execute.tool.security.scanner"),
		mustGrant(t, "execute.tool.database.write"),
	})
	require.NoError(t, err)
	assert.Len(t, child.Grants(), 1)
	assert.True(t, child.Check(mustGrant(t, "execute.tool.security.scanner")))
	assert.False(t, child.Check(mustGrant(t, "execute.tool.database.write")))
}

func TestNarrow_EmptyIntersectionFails(t *testing.T) {
	parent := NewRootToken("parent", []Grant{mustGrant(t, "execute.tool.security.*")})

	_, err := parent.Narrow("child", []Grant{mustGrant(t, "sign.directive.workflows.*")})
	require.Error(t, err)
	assert.Equal(t, fault.CodePermissionEscalation, fault.CodeOf(err))
}

func TestDerive_GrandchildStillNarrower(t *testing.T) {
	root := NewRootToken("root", []Grant{mustGrant(t, "execute.tool.*")})

	child, err := root.Derive("child", []Grant{mustGrant(t, "execute.tool.security.*")})
	require.NoError(t, err)

	grandchild, err := child.Derive("grandchild", []Grant{mustGrant(t, "execute.tool.security.scanner")})
	require.NoError(t, err)

	// The grandchild may not recover breadth the child gave up.
	_, err = grandchild.Derive("great", []Grant{mustGrant(t, "execute.tool.network.probe")})
	assert.Equal(t, fault.CodePermissionEscalation, fault.CodeOf(err))
}

func TestTokenExpiry_InheritedByChildren(t *testing.T) {
	parent := NewRootToken("parent", []Grant{mustGrant(t, "execute.tool.a.b")})
	parent.ExpiresAt = time.Now().Add(time.Hour)

	child, err := parent.Derive("child", []Grant{mustGrant(t, "execute.tool.a.b")})
	require.NoError(t, err)
	assert.Equal(t, parent.ExpiresAt, child.ExpiresAt, "a child never outlives its parent's expiry")
}

func TestTokenExpiry_ExpiredIssuerRefusesDerivation(t *testing.T) {
	parent := NewRootToken("parent", []Grant{mustGrant(t, "execute.tool.a.b")})
	parent.ExpiresAt = time.Now().Add(-time.Minute)
	require.True(t, parent.Expired(time.Now()))

	_, err := parent.Derive("child", []Grant{mustGrant(t, "execute.tool.a.b")})
	require.Error(t, err)
	assert.Equal(t, fault.CodePermissionDenied, fault.CodeOf(err))

	_, err = parent.Narrow("child", []Grant{mustGrant(t, "execute.tool.a.b")})
	require.Error(t, err)
	assert.Equal(t, fault.CodePermissionDenied, fault.CodeOf(err))
}

func TestKeyring_EncodeDecodeRoundTrip(t *testing.T) {
	kr, err := NewEphemeralKeyring()
	require.NoError(t, err)

	tok := NewRootToken("thread-7", []Grant{
		mustGrant(t, "execute.tool.security.*"),
		mustGrant(t, "load.tool.security.*"),
	})

	compact, err := kr.Encode(tok)
	require.NoError(t, err)

	decoded, err := kr.Decode("thread-7", compact)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, decoded.ID)
	assert.Equal(t, tok.Grants(), decoded.Grants())
}

func TestKeyring_WrongThreadRejected(t *testing.T) {
	kr, err := NewEphemeralKeyring()
	require.NoError(t, err)

	tok := NewRootToken("thread-7", []Grant{mustGrant(t, "execute.tool.a.b")})
	compact, err := kr.Encode(tok)
	require.NoError(t, err)

	_, err = kr.Decode("thread-8", compact)
	assert.Error(t, err, "thread keys must not be interchangeable")
}

func TestKeyring_SecretTooShort(t *testing.T) {
	_, err := NewKeyring([]byte("short"))
	assert.Error(t, err)
}
