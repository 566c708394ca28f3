package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"iframe-proxy-go/internal/model"
	"iframe-proxy-go/internal/service"
	"iframe-proxy-go/internal/target"
)

// EntryPath is the path that sets the target and relays to it.
const EntryPath = "/proxy"

// Client-visible bodies. These are part of the HTTP contract.
const (
	msgInvalidTarget = "Invalid or missing URL"
	msgNoTarget      = "No URL saved from initial request"
	msgFallback      = "Something went wrong. And we are reporting a custom error message."
)

// ProxyHandler relays requests to the current target.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Entry stores the target from the iframe query parameter and relays the request to it.
func (h *ProxyHandler) Entry(c echo.Context) error {
	req := c.Request()

	return h.relay(c, &model.ProxyRequest{
		Ctx:           req.Context(),
		Mode:          model.ModeEntry,
		Candidate:     req.URL.Query().Get(service.TargetParam),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	})
}

// Continue relays the request to the target saved by a previous Entry call.
// Requests under EntryPath+"/" are relayed with the EntryPath prefix removed.
// Path escaping and the raw query are passed through unchanged.
func (h *ProxyHandler) Continue(c echo.Context) error {
	req := c.Request()

	upstreamPath := req.URL.EscapedPath()
	if strings.HasPrefix(upstreamPath, EntryPath+"/") {
		upstreamPath = strings.TrimPrefix(upstreamPath, EntryPath)
	}

	return h.relay(c, &model.ProxyRequest{
		Ctx:           req.Context(),
		Mode:          model.ModeContinue,
		Method:        req.Method,
		Path:          req.URL.Path,
		UpstreamPath:  upstreamPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	})
}

func (h *ProxyHandler) relay(c echo.Context, pr *model.ProxyRequest) error {
	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace anything set locally (e.g. a preset Content-Type).
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status line is out the fallback can no longer be sent. A failed
	// upstream read aborts the connection so the client does not mistake a
	// truncated body for a complete one.
	if err := copyResponse(c.Response(), resp.Body, needsFlush(resp.Header)); err != nil {
		if pr.Ctx.Err() != nil {
			h.logger.Debug("client went away during streaming", "path", pr.Path)
			return nil
		}
		h.logger.Error("streaming response body",
			"err", err,
			"path", pr.Path,
		)
		panic(http.ErrAbortHandler)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, target.ErrInvalidTarget) {
		h.logger.Warn("rejected target", "path", path)
		return c.String(http.StatusBadRequest, msgInvalidTarget)
	}

	if errors.Is(err, service.ErrNoTarget) {
		h.logger.Warn("no target saved", "path", path)
		return c.String(http.StatusBadRequest, msgNoTarget)
	}

	// Nobody is left to read a fallback once the client is gone.
	if c.Request().Context().Err() != nil {
		h.logger.Debug("client went away before upstream responded",
			"err", err,
			"path", path,
		)
		return nil
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", path,
	)
	return writeFallback(c)
}

// writeFallback sends the fixed 500 response used for every upstream failure.
func writeFallback(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain")
	return c.String(http.StatusInternalServerError, msgFallback)
}

// needsFlush reports whether the body should be flushed on every write:
// server-sent events and bodies of unknown length.
func needsFlush(h http.Header) bool {
	if mt, _, _ := mime.ParseMediaType(h.Get(echo.HeaderContentType)); mt == "text/event-stream" {
		return true
	}
	return h.Get(echo.HeaderContentLength) == ""
}

// copyResponse streams src to dst, flushing after each write when flush is set.
func copyResponse(dst *echo.Response, src io.Reader, flush bool) error {
	buf := make([]byte, 32*1024)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if _, werr := dst.Write(buf[:nr]); werr != nil {
				return werr
			}
			if flush {
				dst.Flush()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read upstream body: %w", rerr)
		}
	}
}
