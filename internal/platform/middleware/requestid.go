package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header carrying the request correlation id, both
// inbound (if the caller already set one) and outbound (echoed back).
const RequestIDHeader = "X-Request-Id"

// RequestID returns middleware that ensures every request has a correlation
// id in context under the "request_id" key, generating one with uuid.NewString
// when the caller didn't supply X-Request-Id. The audit synthesizer and the
// access logger both key off this value so a single inbound request can be
// traced end to end.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
