package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"iframe-proxy-go/internal/client"
	"iframe-proxy-go/internal/config"
	"iframe-proxy-go/internal/metrics"
	"iframe-proxy-go/internal/middleware"
	"iframe-proxy-go/internal/service"
	"iframe-proxy-go/internal/target"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Proxy:   config.ProxyConfig{CaptureMaxBytes: 1024},
		Metrics: config.MetricsConfig{Enabled: true, Path: config.AdminPrefix + "/metrics"},
	}
}

// newTestEcho builds the full route table over a fresh target store.
func newTestEcho(t *testing.T) (*echo.Echo, *target.Store) {
	t.Helper()
	return newTestEchoWithConfig(t, testConfig())
}

func newTestEchoWithConfig(t *testing.T, cfg *config.Config) (*echo.Echo, *target.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	store := target.NewStore()

	uc := client.NewUpstreamClient(cfg, logger, m)
	svc := service.NewProxyService(uc, store, service.NewLogSink(logger, m), cfg, logger, m)

	e := echo.New()
	e.Use(middleware.AllowFraming())
	RegisterRoutes(e, cfg, m, NewProxyHandler(svc, logger), NewHealthHandler(cfg, store, "test"))
	return e, store
}

func entryPath(targetURL string) string {
	return EntryPath + "?" + service.TargetParam + "=" + url.QueryEscape(targetURL)
}

func serve(e *echo.Echo, method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestEntry_SetsTargetAndStripsFraming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	defer upstream.Close()

	e, store := newTestEcho(t)
	rec := serve(e, http.MethodGet, entryPath(upstream.URL), http.NoBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q, want removed", v)
	}
	if v := rec.Header().Get("Content-Security-Policy"); v != "" {
		t.Errorf("Content-Security-Policy = %q, want removed", v)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want upstream value", got)
	}
	if rec.Body.String() != "<html>hello</html>" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got, ok := store.Get(); !ok || got != upstream.URL {
		t.Errorf("target = (%q, %v), want (%q, true)", got, ok, upstream.URL)
	}
}

func TestEntry_InvalidTarget(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"not a url", entryPath("not-a-url")},
		{"ftp scheme", entryPath("ftp://example.com")},
		{"missing param", EntryPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store := newTestEcho(t)
			rec := serve(e, http.MethodGet, tt.path, http.NoBody)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if rec.Body.String() != msgInvalidTarget {
				t.Errorf("body = %q, want %q", rec.Body.String(), msgInvalidTarget)
			}
			if _, ok := store.Get(); ok {
				t.Error("target was set by a rejected entry request")
			}
		})
	}
}

func TestEntry_InvalidTargetKeepsPrevious(t *testing.T) {
	e, store := newTestEcho(t)
	if err := store.Set("https://example.com"); err != nil {
		t.Fatal(err)
	}

	rec := serve(e, http.MethodGet, entryPath("javascript:alert(1)"), http.NoBody)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got, _ := store.Get(); got != "https://example.com" {
		t.Errorf("target = %q, want unchanged", got)
	}
}

func TestContinue_NoTarget(t *testing.T) {
	e, _ := newTestEcho(t)
	rec := serve(e, http.MethodGet, "/app.js", http.NoBody)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec.Body.String() != msgNoTarget {
		t.Errorf("body = %q, want %q", rec.Body.String(), msgNoTarget)
	}
	// Local responses on continuation routes keep the path-derived type.
	if got := rec.Header().Get("Content-Type"); got != "application/javascript" {
		t.Errorf("Content-Type = %q, want %q", got, "application/javascript")
	}
}

func TestContinue_CorrectsScriptContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app.js" {
			t.Errorf("upstream path = %q, want %q", r.URL.Path, "/app.js")
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("console.log(1)"))
	}))
	defer upstream.Close()

	e, store := newTestEcho(t)
	if err := store.Set(upstream.URL); err != nil {
		t.Fatal(err)
	}

	rec := serve(e, http.MethodGet, "/app.js", http.NoBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/javascript" {
		t.Errorf("Content-Type = %q, want %q", got, "application/javascript")
	}
	if rec.Body.String() != "console.log(1)" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestContinue_UpstreamUnreachable(t *testing.T) {
	e, store := newTestEcho(t)
	if err := store.Set("http://127.0.0.1:1"); err != nil {
		t.Fatal(err)
	}

	rec := serve(e, http.MethodGet, "/font.ttf", http.NoBody)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want %q", got, "text/plain")
	}
	if rec.Body.String() != msgFallback {
		t.Errorf("body = %q, want %q", rec.Body.String(), msgFallback)
	}
}

func TestEntry_ConcurrentTargets(t *testing.T) {
	newUpstream := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(name))
		}))
	}
	a := newUpstream("a")
	defer a.Close()
	b := newUpstream("b")
	defer b.Close()

	e, store := newTestEcho(t)

	var wg sync.WaitGroup
	for _, u := range []string{a.URL, b.URL} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			rec := serve(e, http.MethodGet, entryPath(u), http.NoBody)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		}(u)
	}
	wg.Wait()

	got, ok := store.Get()
	if !ok || (got != a.URL && got != b.URL) {
		t.Errorf("target = (%q, %v), want one of %q or %q", got, ok, a.URL, b.URL)
	}
}

func TestContinue_ProxyPrefixStripped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.RequestURI()))
	}))
	defer upstream.Close()

	e, store := newTestEcho(t)
	if err := store.Set(upstream.URL); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/proxy/static/app.js", "/static/app.js"},
		{"/proxy/", "/"},
		{"/static/app.js?v=2", "/static/app.js?v=2"},
		{"/proxyfile.css", "/proxyfile.css"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(e, http.MethodGet, tt.path, http.NoBody)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if rec.Body.String() != tt.want {
				t.Errorf("upstream saw %q, want %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestContinue_ForwardsMethodAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(r.Method + " " + string(body)))
	}))
	defer upstream.Close()

	e, store := newTestEcho(t)
	if err := store.Set(upstream.URL); err != nil {
		t.Fatal(err)
	}

	rec := serve(e, http.MethodPost, "/api/submit", strings.NewReader(`{"a":1}`))
	if rec.Body.String() != `POST {"a":1}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `POST {"a":1}`)
	}
}

func TestContinue_RelaysRedirect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer upstream.Close()

	e, store := newTestEcho(t)
	if err := store.Set(upstream.URL); err != nil {
		t.Fatal(err)
	}

	rec := serve(e, http.MethodGet, "/account", http.NoBody)
	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if got := rec.Header().Get("Location"); got != "/login" {
		t.Errorf("Location = %q, want %q", got, "/login")
	}
}

func TestContinue_UpstreamErrorStatusRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer upstream.Close()

	e, store := newTestEcho(t)
	if err := store.Set(upstream.URL); err != nil {
		t.Fatal(err)
	}

	rec := serve(e, http.MethodGet, "/font.otf", http.NoBody)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := rec.Header().Get("Content-Type"); got != "font/otf" {
		t.Errorf("Content-Type = %q, want %q", got, "font/otf")
	}
	if rec.Body.String() != "missing" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "missing")
	}
}

func TestContinue_TruncatedUpstreamAbortsConnection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("upstream writer is not a Hijacker")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 100\r\n\r\npartial")
		_ = buf.Flush()
	}))
	defer upstream.Close()

	e, store := newTestEcho(t)
	if err := store.Set(upstream.URL); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/page")
	if err != nil {
		// The abort may surface before the status line is read.
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return
		}
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("expected a read error for the truncated relay, got complete body")
	}
}

func TestNeedsFlush(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{"event stream", http.Header{"Content-Type": {"text/event-stream"}, "Content-Length": {"10"}}, true},
		{"event stream with params", http.Header{"Content-Type": {"text/event-stream; charset=utf-8"}, "Content-Length": {"10"}}, true},
		{"unknown length", http.Header{"Content-Type": {"text/html"}}, true},
		{"known length", http.Header{"Content-Type": {"text/html"}, "Content-Length": {"10"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsFlush(tt.header); got != tt.want {
				t.Errorf("needsFlush() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContinue_PreservesRawPathAndQuery(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.EscapedPath() + "|" + r.URL.RawQuery))
	}))
	defer upstream.Close()

	e, store := newTestEcho(t)
	if err := store.Set(upstream.URL); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"key order", "/api?z=1&a=2", "/api|z=1&a=2"},
		{"bare key", "/api?flag&x=1", "/api|flag&x=1"},
		{"invalid percent-encoding", "/api?q=%zz&k=v", "/api|q=%zz&k=v"},
		{"repeated keys", "/api?k=2&k=1", "/api|k=2&k=1"},
		{"escaped slash", "/files/a%2Fb.js", "/files/a%2Fb.js|"},
		{"escaped slash under prefix", "/proxy/files/a%2Fb.js?v=1", "/files/a%2Fb.js|v=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, http.MethodGet, tt.path, http.NoBody)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if rec.Body.String() != tt.want {
				t.Errorf("upstream saw %q, want %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestEntry_PreservesExtraQuery(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.RawQuery))
	}))
	defer upstream.Close()

	e, _ := newTestEcho(t)
	rec := serve(e, http.MethodGet, "/proxy?z=1&"+service.TargetParam+"="+url.QueryEscape(upstream.URL)+"&flag&a=2", http.NoBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "z=1&flag&a=2" {
		t.Errorf("upstream query = %q, want %q", got, "z=1&flag&a=2")
	}
}

func TestContinue_ClientGoneBeforeUpstreamResponds(t *testing.T) {
	var logs bytes.Buffer
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	store := target.NewStore()
	if err := store.Set("http://127.0.0.1:1"); err != nil {
		t.Fatal(err)
	}
	uc := client.NewUpstreamClient(cfg, logger, nil)
	h := NewProxyHandler(service.NewProxyService(uc, store, nil, cfg, logger, nil), logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/page", http.NoBody).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Continue(c); err != nil {
		t.Fatalf("Continue() error = %v", err)
	}
	if c.Response().Committed {
		t.Errorf("response committed with status %d, want nothing written", c.Response().Status)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if strings.Contains(logs.String(), "level=ERROR") {
		t.Errorf("unexpected error log: %q", logs.String())
	}
}
