// Package auth verifies the session tokens issued by TAuth and maps them to ledger identities.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	bearerPrefix    = "Bearer "
	tokenQueryParam = "token"
	roleProvider    = "provider"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidVerifierConf = errors.New("invalid verifier config")
)

// Identity is the authenticated caller.
type Identity struct {
	AccountID ledger.AccountID
	Role      ledger.AccountRole
}

// Config configures a Verifier.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
}

// Verifier validates HS256 session tokens.
type Verifier struct {
	signingKey []byte
	issuer     string
	cookieName string
	parser     *jwt.Parser
}

// NewVerifier constructs a Verifier.
func NewVerifier(config Config) (*Verifier, error) {
	if len(config.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidVerifierConf)
	}
	if strings.TrimSpace(config.Issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidVerifierConf)
	}
	return &Verifier{
		signingKey: config.SigningKey,
		issuer:     config.Issuer,
		cookieName: config.CookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(config.Issuer),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify parses a raw token into an Identity.
func (verifier *Verifier) Verify(rawToken string) (Identity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	claims := &sessionvalidator.Claims{}
	_, err := verifier.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		return verifier.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return IdentityFromClaims(claims)
}

// FromRequest reads the token from the Authorization header, the session cookie, or the token query parameter.
func (verifier *Verifier) FromRequest(request *http.Request) (Identity, error) {
	if header := request.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return verifier.Verify(strings.TrimPrefix(header, bearerPrefix))
	}
	if verifier.cookieName != "" {
		if cookie, err := request.Cookie(verifier.cookieName); err == nil {
			return verifier.Verify(cookie.Value)
		}
	}
	return verifier.Verify(request.URL.Query().Get(tokenQueryParam))
}

// IdentityFromClaims maps TAuth claims to an account. A "provider" role makes the caller a provider.
func IdentityFromClaims(claims *sessionvalidator.Claims) (Identity, error) {
	if claims == nil {
		return Identity{}, fmt.Errorf("%w: missing claims", ErrUnauthorized)
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	role := ledger.RoleUser
	for _, claimedRole := range claims.GetUserRoles() {
		if strings.EqualFold(strings.TrimSpace(claimedRole), roleProvider) {
			role = ledger.RoleProvider
			break
		}
	}
	return Identity{AccountID: accountID, Role: role}, nil
}
