package capability

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the wire form of a capability token. Tokens are in-memory
// objects destroyed with their owning thread; the JWT encoding exists only
// for handing a token across a process boundary (e.g. to an out-of-process
// primitive host), never for persistence.
type TokenClaims struct {
	jwt.RegisteredClaims
	Grants        []string `json:"grants"`
	OwnerThread   string   `json:"owner_thread"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
}

// Encode signs the token's grants into a compact JWT using the thread key
// from the keyring.
func (k *Keyring) Encode(t *Token) (string, error) {
	key, err := k.ThreadKey(t.OwnerThread)
	if err != nil {
		return "", err
	}

	grants := t.Grants()
	strs := make([]string, len(grants))
	for i, g := range grants {
		strs[i] = g.String()
	}

	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       t.ID,
			Subject:  t.OwnerThread,
			IssuedAt: jwt.NewNumericDate(t.IssuedAt),
			Issuer:   "keel/capability",
		},
		Grants:      strs,
		OwnerThread: t.OwnerThread,
	}
	if !t.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(t.ExpiresAt)
	}
	if t.parent != nil {
		claims.ParentTokenID = t.parent.ID
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Decode verifies a compact JWT for the given thread and reconstructs a root
// token carrying its grants. The parent pointer is not reconstructed; the
// decoded token stands alone on the far side of the boundary.
func (k *Keyring) Decode(threadID, compact string) (*Token, error) {
	key, err := k.ThreadKey(threadID)
	if err != nil {
		return nil, err
	}

	var claims TokenClaims
	parsed, err := jwt.ParseWithClaims(compact, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("capability: unexpected signing method %v", tok.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("capability: token decode failed: %w", err)
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}

	grants := make([]Grant, 0, len(claims.Grants))
	for _, s := range claims.Grants {
		g, err := ParseGrant(s)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}

	t := NewRootToken(claims.OwnerThread, grants)
	t.ID = claims.ID
	if claims.IssuedAt != nil {
		t.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	}
	return t, nil
}
