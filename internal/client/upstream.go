// Package client provides the upstream HTTP client used to relay requests to the target.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"iframe-proxy-go/internal/config"
	"iframe-proxy-go/internal/metrics"
	"iframe-proxy-go/internal/model"
)

// UpstreamClient sends relayed requests to the current target.
type UpstreamClient struct {
	follow  *http.Client
	direct  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// Certificate verification is skipped unless upstream.verify_tls is set.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Upstream.VerifyTLS, //nolint:gosec // targets with self-signed certs must be frameable
		},
		ForceAttemptHTTP2: true,
		// Bodies are relayed byte-for-byte, including their Content-Encoding.
		DisableCompression: true,
	}

	l := logger.With("component", "upstream_client")
	if !cfg.Upstream.VerifyTLS {
		l.Warn("upstream TLS certificate verification is disabled")
	}

	// No overall client timeout: it would also bound body streaming.
	// Connect and header waits are bounded by the transport above.
	return &UpstreamClient{
		follow: &http.Client{Transport: transport},
		direct: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  l,
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// When follow is true redirects are followed, otherwise 3xx responses are returned as-is.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request, follow bool) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
		"follow_redirects", follow,
	)

	hc := c.direct
	if follow {
		hc = c.follow
	}

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled. contentLength follows http.Request semantics.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64, follow bool) (*model.ProxyResponse, error) {
	if contentLength == 0 {
		// Issue 16036: nil Body for http.Transport retries.
		body = nil
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != nil {
		req.ContentLength = contentLength
	}

	return c.Do(req, follow)
}
