package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/perilstack/lossengine/internal/auth"
	"github.com/perilstack/lossengine/internal/service"
)

const (
	backoffInitial    = 500 * time.Millisecond
	backoffMax        = 30 * time.Second
	backoffMultiplier = 2.0
	defaultAttempts   = 5
)

// ClientConfig describes how to reach a lossserver.
type ClientConfig struct {
	Target string
	// APIKey and Header are sent as call metadata when APIKey is set.
	APIKey string
	Header string
	// TLS enables transport security; CAFile optionally pins the server CA.
	TLS    bool
	CAFile string
	// Attempts bounds calls per Estimate, including the first. Zero means 5.
	Attempts int
	// MaxMessageBytes raises the send and receive limits above gRPC's
	// 4 MiB default. It should match the server's limit.
	MaxMessageBytes int
}

// Client calls LossService, retrying transient failures.
type Client struct {
	conn     *grpc.ClientConn
	attempts int
	initial  time.Duration // first backoff, shortened in tests
}

// Dial opens a connection to cfg.Target. The connection is established
// lazily; unreachable servers surface as retried Unavailable errors.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.DialContext(ctx, cfg.Target, opts...) //nolint:staticcheck // NewClient needs grpc 1.63
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", cfg.Target, err)
	}
	return newClient(conn, cfg.Attempts), nil
}

func newClient(conn *grpc.ClientConn, attempts int) *Client {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &Client{conn: conn, attempts: attempts, initial: backoffInitial}
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Estimate sends req to the server. Unavailable and other transient codes
// are retried with truncated exponential backoff; permanent codes are
// returned immediately.
func (c *Client) Estimate(ctx context.Context, req service.Request, includeLosses bool) (Result, error) {
	in, err := EncodeRequest(req, includeLosses)
	if err != nil {
		return Result{}, err
	}

	bo := &backoff{current: c.initial}
	for attempt := 1; ; attempt++ {
		out := new(structpb.Struct)
		err := c.conn.Invoke(ctx, EstimateMethod, in, out)
		if err == nil {
			return DecodeResult(out), nil
		}
		if isPermanentError(err) || attempt >= c.attempts || ctx.Err() != nil {
			return Result{}, fmt.Errorf("rpc: estimate: %w", err)
		}

		wait := bo.next()
		slog.Warn("rpc: estimate failed, will retry",
			"target", c.conn.Target(),
			"attempt", attempt,
			"err", err,
			"retry_in", wait)
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("rpc: estimate: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// isPermanentError reports whether retrying err cannot succeed: the request
// itself was rejected (including for size), or the run failed
// deterministically on the server.
func isPermanentError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied,
		codes.Internal, codes.Unimplemented, codes.Canceled, codes.ResourceExhausted:
		return true
	}
	return false
}

func dialOptions(cfg ClientConfig) ([]grpc.DialOption, error) {
	var opts []grpc.DialOption
	if cfg.TLS {
		creds, err := buildTLSCreds(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("rpc: build tls creds: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.APIKey != "" {
		header := cfg.Header
		if header == "" {
			header = "x-api-key"
		}
		opts = append(opts, grpc.WithPerRPCCredentials(auth.ClientCredentials{
			Header: header,
			Key:    cfg.APIKey,
			Secure: cfg.TLS,
		}))
	}
	if cfg.MaxMessageBytes > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(cfg.MaxMessageBytes),
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageBytes),
		))
	}
	return opts, nil
}

func buildTLSCreds(caFile string) (credentials.TransportCredentials, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", caFile)
		}
		tlsCfg.RootCAs = pool
	}
	return credentials.NewTLS(tlsCfg), nil
}

// backoff is truncated exponential backoff with ±25% jitter.
type backoff struct {
	current time.Duration
}

func (b *backoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}
	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}
