package middleware

import (
	"github.com/labstack/echo/v4"
)

// apiHeaders apply to every response. Context snapshots differ per caller
// and per switch, so nothing may be cached or shared between callers.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
	{"Vary", "Authorization"},
}

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets the headers of a JSON API returning authorization
// state. HSTS is only sent when hsts is true; a development server on plain
// HTTP must not pin browsers to HTTPS for localhost.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			if hsts {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			return next(c)
		}
	}
}
