package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	// Issuer is the issuer of access tokens.
	Issuer = "judy"
	// KeyID is the key id of the signing key.
	KeyID = "v1"
	// AccessTokenAudienceName is the audience of participant access tokens.
	AccessTokenAudienceName = "participant.access-token"
	// AccessTokenDuration is the lifetime of an access token.
	AccessTokenDuration = 7 * 24 * time.Hour
)

// ClaimsMessage is the claim set carried by an access token.
type ClaimsMessage struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// GenerateAccessToken signs a token for the participant. A zero expiration never expires.
func GenerateAccessToken(ownerID, name string, expirationTime time.Time, secret []byte) (string, error) {
	if ownerID == "" {
		return "", errors.New("owner id is required")
	}
	registeredClaims := jwt.RegisteredClaims{
		Issuer:   Issuer,
		Audience: jwt.ClaimStrings{AccessTokenAudienceName},
		IssuedAt: jwt.NewNumericDate(time.Now()),
		Subject:  ownerID,
	}
	if !expirationTime.IsZero() {
		registeredClaims.ExpiresAt = jwt.NewNumericDate(expirationTime)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &ClaimsMessage{
		Name:             name,
		RegisteredClaims: registeredClaims,
	})
	token.Header["kid"] = KeyID

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign access token")
	}
	return signed, nil
}
