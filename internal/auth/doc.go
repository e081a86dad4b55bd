// Package auth enforces the shared API key on lossserver's REST API and
// gRPC service.
//
// APIKey.UnaryInterceptor and StreamInterceptor read the key from gRPC
// metadata and fail with codes.Unauthenticated. APIKey.Middleware reads the
// same header on HTTP requests and answers 401. With mode "none", or no key
// in the environment, both pass every request through for local use.
// ClientCredentials is the per-RPC credential the lossengine CLI sends.
package auth
