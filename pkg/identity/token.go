package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenScheme tags how the bearer value is to be interpreted.
type TokenScheme string

const (
	SchemeBearer TokenScheme = "bearer"
	SchemeJWT    TokenScheme = "jwt"
)

// Token is a renewable credential issued by the server after a successful
// handshake.
type Token struct {
	Bearer     string      `json:"bearer"`
	Scheme     TokenScheme `json:"scheme"`
	IssuedAt   time.Time   `json:"issued_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	RefreshVal string      `json:"refresh,omitempty"`
	Scope      string      `json:"scope,omitempty"`
	IdentityID string      `json:"identity_id"`
}

// IsExpired reports whether now has reached the token's expiry.
func (t *Token) IsExpired() bool { return t.IsExpiredAt(time.Now()) }

// IsExpiredAt is the clock-injectable form of IsExpired.
func (t *Token) IsExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsValid reports whether the bearer is non-empty and unexpired.
func (t *Token) IsValid() bool {
	return t != nil && t.Bearer != "" && !t.IsExpired()
}

// FromJWT builds a Token from a JWT bearer, pulling issue and expiry
// times out of the registered claims. The signature is NOT verified here;
// only the server can do that. The claims are read solely to schedule
// refresh.
func FromJWT(bearer, identityID string) (*Token, error) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(bearer, &claims); err != nil {
		return nil, err
	}
	t := &Token{
		Bearer:     bearer,
		Scheme:     SchemeJWT,
		IdentityID: identityID,
	}
	if claims.IssuedAt != nil {
		t.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	}
	return t, nil
}
