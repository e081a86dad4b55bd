package dataset

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/klauspost/compress/zstd"

	"github.com/perilstack/lossengine/internal/config"
	"github.com/perilstack/lossengine/pkg/types"
)

// maxErrorBody bounds how much of a failed response is quoted in the error.
const maxErrorBody = 512

// authRoundTripper adds the configured credentials to every request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.EffectiveHeader(), t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// NewHTTPClient builds a client for the dataset endpoint with cfg's auth,
// TLS and timeout settings.
func NewHTTPClient(cfg config.DatasetConfig) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	if cfg.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(cfg.Auth.CertFile, cfg.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("dataset: load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		if cfg.Auth.CAFile != "" {
			caPEM, err := os.ReadFile(cfg.Auth.CAFile)
			if err != nil {
				return nil, fmt.Errorf("dataset: read ca file: %w", err)
			}
			roots := x509.NewCertPool()
			if !roots.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("dataset: no valid certs in ca file %q", cfg.Auth.CAFile)
			}
			tlsCfg.RootCAs = roots
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultFetchTimeout
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
			auth: cfg.Auth,
		},
		Timeout: timeout,
	}, nil
}

// Fetch downloads and decodes a dataset from rawURL. The body is treated as
// zstd when the server says so in Content-Encoding or the URL path ends in
// .zst.
func Fetch(ctx context.Context, client *http.Client, rawURL string) ([]types.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dataset: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dataset: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("dataset: unexpected status %d: %s", resp.StatusCode, body)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "zstd" || urlIsZstd(rawURL) {
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("dataset: zstd reader: %w", err)
		}
		defer zr.Close()
		body = zr
	}
	return Decode(body)
}

func urlIsZstd(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return isZstd(path.Base(u.Path))
}
