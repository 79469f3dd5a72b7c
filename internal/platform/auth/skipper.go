package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists URL paths that bypass principal extraction: operational
// endpoints that have no FHIR resource behind them and must stay reachable
// without a bearer token.
var publicPaths = map[string]bool{
	"/health":         true,
	"/metrics":        true,
	"/fhir/metadata":  true,
}

// Skipper returns true for requests whose path should skip principal
// extraction. Pass this as the skip function to Middleware.
func Skipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path bypasses principal extraction.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
