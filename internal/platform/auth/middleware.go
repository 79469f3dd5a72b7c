// Package auth decodes the bearer token attached to an inbound request and
// exposes its claims as a Principal. Signature verification is assumed to
// have already happened upstream (by the identity provider's own gateway or
// a sidecar) — this package only ever parses the token unverified, matching
// the JWT consumption upstream gateways do once a token has already been
// validated: it reads realm_access.roles, fhir_core_app_id,
// preferred_username, name and sub, and never calls a keyfunc-based Parse.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Claim names used by the identity provider this gateway was built against.
const (
	claimRealmAccess   = "realm_access"
	claimRoles         = "roles"
	claimFHIRCoreAppID = "fhir_core_app_id"
	claimPreferredUser = "preferred_username"
	claimName          = "name"
)

// Principal is the decoded identity of the caller, built entirely from
// unverified JWT claims. It carries exactly what the access-decision
// pipeline and the audit synthesizer need downstream.
type Principal struct {
	Subject       string
	Username      string
	Name          string
	Roles         []string
	FHIRCoreAppID string
	RawToken      string
}

// HasRole reports whether the principal was granted role (case-sensitive,
// matching the realm role strings issued by the identity provider).
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ParsePrincipal decodes a bearer token's claims without verifying its
// signature. Verification is the upstream identity proxy's responsibility;
// this gateway only trusts a token that reached it at all.
func ParsePrincipal(rawToken string) (Principal, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return Principal{}, fmt.Errorf("parsing bearer token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("token missing sub claim")
	}

	p := Principal{
		Subject:  sub,
		RawToken: rawToken,
	}
	p.Username, _ = claims[claimPreferredUser].(string)
	p.Name, _ = claims[claimName].(string)
	p.FHIRCoreAppID, _ = claims[claimFHIRCoreAppID].(string)
	p.Roles = rolesFromClaims(claims)

	return p, nil
}

// rolesFromClaims extracts realm_access.roles: cast the realm_access claim
// to a map, then its roles entry to a string list.
func rolesFromClaims(claims jwt.MapClaims) []string {
	realmAccess, ok := claims[claimRealmAccess].(map[string]interface{})
	if !ok {
		return nil
	}
	rawRoles, ok := realmAccess[claimRoles].([]interface{})
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(rawRoles))
	for _, r := range rawRoles {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

// Middleware decodes the Authorization bearer token on every request that
// isn't skipped, and stores the resulting Principal on the request context.
// A request with no bearer token, or one whose claims can't be decoded, is
// rejected with 401 — the gateway makes every access decision off this
// Principal, so a request without one can never be authorized.
func Middleware(skip func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c) {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			rawToken := strings.TrimPrefix(header, "Bearer ")

			principal, err := ParsePrincipal(rawToken)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}

			ctx := context.WithValue(c.Request().Context(), principalContextKey, principal)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("jwt_subject", principal.Subject)

			return next(c)
		}
	}
}

// PrincipalFromContext retrieves the Principal stored by Middleware. The
// zero Principal is returned if none is present.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalContextKey).(Principal)
	return p
}
