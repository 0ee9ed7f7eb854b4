package security

import (
	"crypto"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails parsing or validation. The cause is not exposed.
var ErrInvalidToken = errors.New("invalid token")

// defaultLeeway tolerates clock skew between the identity provider and this service.
const defaultLeeway = 30 * time.Second

// SessionClaims are the claims of an identity provider session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	// OrgID is the provider's active organization for the session, used as a resolution hint.
	OrgID string `json:"org_id,omitempty"`
}

// Subject is a verified caller.
type Subject struct {
	IdentityID string
	SessionID  string
	OrgHint    string
}

// Verifier validates session tokens issued by the external identity provider (RS256 or ES256).
type Verifier struct {
	publicKey crypto.PublicKey
	parser    *jwt.Parser
}

// NewVerifier returns a Verifier for tokens signed by publicKey. audience may be empty when the
// provider does not set one.
func NewVerifier(publicKey crypto.PublicKey, issuer, audience string) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(defaultLeeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{publicKey: publicKey, parser: jwt.NewParser(opts...)}
}

// Verify parses and validates token (signature, exp, nbf, iss, aud) and returns its subject.
func (v *Verifier) Verify(token string) (Subject, error) {
	var claims SessionClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	})
	if err != nil || claims.Subject == "" {
		return Subject{}, ErrInvalidToken
	}
	return Subject{IdentityID: claims.Subject, SessionID: claims.SessionID, OrgHint: claims.OrgID}, nil
}
