// Package service implements the relay: target resolution, header rewriting and
// script body capture.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"iframe-proxy-go/internal/classify"
	"iframe-proxy-go/internal/client"
	"iframe-proxy-go/internal/config"
	"iframe-proxy-go/internal/metrics"
	"iframe-proxy-go/internal/model"
	"iframe-proxy-go/internal/target"
)

// ErrNoTarget is returned when a continuation relay arrives before any target was set.
var ErrNoTarget = errors.New("no target saved from initial request")

// TargetParam is the entry-path query parameter carrying the target URL.
const TargetParam = "iframe"

// ProxyService relays requests to the current target.
type ProxyService struct {
	client       *client.UpstreamClient
	store        *target.Store
	sink         ScriptSink
	logger       *slog.Logger
	metrics      *metrics.Metrics
	captureLimit int64
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, store *target.Store, sink ScriptSink, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:       c,
		store:        store,
		sink:         sink,
		logger:       logger.With("component", "proxy_service"),
		metrics:      m,
		captureLimit: cfg.Proxy.CaptureMaxBytes,
	}
}

// Forward resolves the target for pr, relays it once and returns the rewritten response.
// The caller is responsible for closing the response body.
//
// ModeEntry stores pr.Candidate first and follows upstream redirects;
// ModeContinue uses the stored target and relays redirects as-is.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	base, err := s.resolveTarget(pr)
	if err != nil {
		return nil, err
	}

	upstreamURL, err := buildUpstreamURL(base, pr)
	if err != nil {
		s.observe(pr.Mode, metrics.OutcomeUpstreamError)
		return nil, fmt.Errorf("build upstream url: %w", err)
	}

	header := RewriteRequestHeaders(pr.Path, pr.Header)

	s.logger.Debug("relaying request",
		"mode", pr.Mode.String(),
		"method", pr.Method,
		"path", pr.Path,
		"classification", classify.Classify(pr.Path).String(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body, pr.ContentLength, pr.Mode == model.ModeEntry)
	if err != nil {
		s.observe(pr.Mode, metrics.OutcomeUpstreamError)
		return nil, fmt.Errorf("relay to upstream: %w", err)
	}

	resp.Header = RewriteResponseHeaders(pr.Path, resp.Header)
	if s.sink != nil && classify.IsJS(pr.Path) {
		resp.Body = newCaptureReader(resp.Body, pr.Path, s.captureLimit, s.sink)
	}

	s.observe(pr.Mode, metrics.OutcomeRelayed)
	return resp, nil
}

func (s *ProxyService) resolveTarget(pr *model.ProxyRequest) (string, error) {
	if pr.Mode == model.ModeEntry {
		if err := s.store.Set(pr.Candidate); err != nil {
			s.observe(pr.Mode, metrics.OutcomeInvalidTarget)
			return "", fmt.Errorf("set target: %w", err)
		}
		if s.metrics != nil {
			s.metrics.TargetUpdates.Inc()
		}
		s.logger.Info("target updated", "target", pr.Candidate)
		return pr.Candidate, nil
	}

	base, ok := s.store.Get()
	if !ok {
		s.observe(pr.Mode, metrics.OutcomeNoTarget)
		return "", ErrNoTarget
	}
	return base, nil
}

func (s *ProxyService) observe(mode model.RelayMode, outcome string) {
	if s.metrics != nil {
		s.metrics.RelayOutcomes.WithLabelValues(mode.String(), outcome).Inc()
	}
}

// buildUpstreamURL maps pr onto base. Entry relays go to base itself with the
// inbound query, minus the target parameter, appended. Continuation relays go
// to the origin of base with the inbound escaped path and raw query as sent.
func buildUpstreamURL(base string, pr *model.ProxyRequest) (string, error) {
	t, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", base, err)
	}
	if t.Host == "" {
		return "", fmt.Errorf("target %q has no host", base)
	}

	if pr.Mode == model.ModeEntry {
		if extra := withoutParam(pr.RawQuery, TargetParam); extra != "" {
			if t.RawQuery == "" {
				t.RawQuery = extra
			} else {
				t.RawQuery += "&" + extra
			}
		}
		t.Fragment, t.RawFragment = "", ""
		return t.String(), nil
	}

	escaped := pr.UpstreamPath
	if escaped == "" {
		escaped = "/"
	}
	path, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("unescape path %q: %w", escaped, err)
	}
	u := url.URL{
		Scheme:   t.Scheme,
		User:     t.User,
		Host:     t.Host,
		Path:     path,
		RawPath:  escaped,
		RawQuery: pr.RawQuery,
	}
	return u.String(), nil
}

// withoutParam removes every name=value pair for name from rawQuery and keeps
// the remaining pairs byte-for-byte in their original order.
func withoutParam(rawQuery, name string) string {
	if rawQuery == "" {
		return ""
	}
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if key == name {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}
