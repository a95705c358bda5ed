// Package api is the REST client for the recruitment backend.
//
// Responses are wrapped as {statusCode, message, data}; only data is decoded
// into the caller's value. Any non-2xx status becomes an *HTTPError so callers
// can treat it as a rejection.
package api
