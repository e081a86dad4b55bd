package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/perilstack/lossengine/internal/config"
)

// healthMethodPrefix covers the standard gRPC health service, which load
// balancers call without credentials.
const healthMethodPrefix = "/grpc.health.v1.Health/"

// APIKey checks a shared API key carried in an HTTP header or in gRPC
// metadata under the same name.
//
// When Mode is not "apikey" or Key is empty every request is allowed.
type APIKey struct {
	Mode   string
	Header string
	Key    string
}

// FromConfig resolves the server auth section, reading the key from the
// environment.
func FromConfig(cfg config.ServerAuthConfig) APIKey {
	return APIKey{Mode: cfg.Mode, Header: cfg.EffectiveHeader(), Key: cfg.Key()}
}

// Enabled reports whether requests are checked at all.
func (a APIKey) Enabled() bool {
	return a.Mode == "apikey" && a.Key != ""
}

func (a APIKey) match(got string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.Key)) == 1
}

func (a APIKey) checkContext(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	// Metadata keys are lowercased by grpc.
	vals := md.Get(strings.ToLower(a.Header))
	if len(vals) == 0 || !a.match(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// UnaryInterceptor enforces the key on every unary call except the health
// service.
func (a APIKey) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !a.Enabled() || strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, req)
		}
		if err := a.checkContext(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor is the streaming counterpart of UnaryInterceptor.
func (a APIKey) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !a.Enabled() || strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(srv, ss)
		}
		if err := a.checkContext(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// Middleware rejects HTTP requests without the key with 401. Paths listed
// in open are served without a check. WebSocket clients that cannot set
// headers may pass the key as the api_key query parameter.
func (a APIKey) Middleware(next http.Handler, open ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		for _, p := range open {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}
		got := r.Header.Get(a.Header)
		if got == "" {
			got = r.URL.Query().Get("api_key")
		}
		if got == "" || !a.match(got) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientCredentials attaches the key to outgoing gRPC calls.
type ClientCredentials struct {
	Header string
	Key    string
	// Secure requires transport security; false allows plaintext dev setups.
	Secure bool
}

func (c ClientCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	if c.Key == "" {
		return nil, nil
	}
	return map[string]string{strings.ToLower(c.Header): c.Key}, nil
}

func (c ClientCredentials) RequireTransportSecurity() bool { return c.Secure }
