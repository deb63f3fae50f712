// Package auth provides authentication middleware for mdpreview-server.
//
// APIKey(mode, header, key) returns HTTP middleware that validates the API
// key carried in the named request header. It guards /api/ and /metrics;
// rendered pages and the refresh socket stay open because browsers cannot
// attach custom headers to them.
//
// When mode != "apikey" or key == "", all requests pass through (useful for
// local previews with auth disabled). When the key is incorrect or absent,
// the middleware answers 401 immediately.
package auth
