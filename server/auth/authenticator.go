package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrUnauthenticated is returned for a missing, malformed or rejected credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the authenticated participant.
type Principal struct {
	OwnerID string
	Name    string
}

// Authenticator validates bearer access tokens. Issuing them is left to an outside identity system.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate resolves the principal from an Authorization header value.
func (a *Authenticator) Authenticate(authHeader string) (*Principal, error) {
	token, ok := extractBearerToken(authHeader)
	if !ok {
		return nil, ErrUnauthenticated
	}
	claims := &ClaimsMessage{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if kid, ok := t.Header["kid"].(string); !ok || kid != KeyID {
			return nil, errors.Errorf("unexpected kid: %v", t.Header["kid"])
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(AccessTokenAudienceName),
	)
	if err != nil {
		return nil, errors.Wrap(ErrUnauthenticated, err.Error())
	}
	if claims.Subject == "" {
		return nil, ErrUnauthenticated
	}
	return &Principal{OwnerID: claims.Subject, Name: claims.Name}, nil
}

func extractBearerToken(authHeader string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
