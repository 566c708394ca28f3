// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// RelayMode selects where a relay gets its target from.
type RelayMode int

const (
	// ModeEntry sets the target from the request and then relays to it.
	ModeEntry RelayMode = iota
	// ModeContinue relays to the previously stored target.
	ModeContinue
)

func (m RelayMode) String() string {
	if m == ModeEntry {
		return "entry"
	}
	return "continue"
}

// ProxyRequest represents a client request to be relayed upstream.
type ProxyRequest struct {
	Ctx  context.Context
	Mode RelayMode
	// Candidate is the target supplied on the entry path; unused for ModeContinue.
	Candidate string
	Method    string
	// Path is the inbound request path, used for classification.
	Path string
	// UpstreamPath is the escaped path sent to the target (mount prefix removed).
	UpstreamPath string
	// RawQuery is the inbound query exactly as received, without the '?'.
	RawQuery string
	Header   http.Header
	Body         io.ReadCloser
	// ContentLength mirrors http.Request.ContentLength; -1 means unknown.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
