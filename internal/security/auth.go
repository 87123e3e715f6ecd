package security

import (
	"errors"
	"fmt"
	"time"
)

// Permissions understood by the engine.
const (
	PermObserve = "session:observe"
	PermSend    = "session:send"
	PermManage  = "session:manage"
)

var ErrAuthentication = errors.New("authentication failed")

// Claims is what the external token verification collaborator extracts from
// a valid credential.
type Claims struct {
	Identity    string
	Permissions []string
	ExpiresAt   time.Time
}

// TokenVerifier validates a credential's signature and expiry. The
// implementation lives outside the engine; only the contract is consumed
// here.
type TokenVerifier interface {
	Verify(token string) (Claims, error)
}

// AuthContext is attached to exactly one live connection and destroyed with
// it.
type AuthContext struct {
	Identity        string
	Permissions     map[string]bool
	AuthenticatedAt time.Time
}

func (c *AuthContext) Has(permission string) bool {
	return c != nil && c.Permissions[permission]
}

// Authenticator turns a raw token into an AuthContext, enforcing expiry and
// required permissions.
type Authenticator struct {
	verifier TokenVerifier
	now      func() time.Time
}

func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *Authenticator) Authenticate(token string, required ...string) (*AuthContext, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrAuthentication)
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	now := a.now()
	if !claims.ExpiresAt.IsZero() && now.After(claims.ExpiresAt) {
		return nil, fmt.Errorf("%w: token expired", ErrAuthentication)
	}

	perms := make(map[string]bool, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = true
	}
	for _, p := range required {
		if !perms[p] {
			return nil, fmt.Errorf("%w: missing permission %s", ErrAuthentication, p)
		}
	}

	return &AuthContext{
		Identity:        claims.Identity,
		Permissions:     perms,
		AuthenticatedAt: now,
	}, nil
}

// StaticVerifier maps opaque tokens to claims. Used for local development
// and tests; production plugs in the real verification collaborator.
type StaticVerifier struct {
	tokens map[string]Claims
}

func NewStaticVerifier(tokens map[string]Claims) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

func (v *StaticVerifier) Verify(token string) (Claims, error) {
	claims, ok := v.tokens[token]
	if !ok {
		return Claims{}, errors.New("unknown token")
	}
	return claims, nil
}
