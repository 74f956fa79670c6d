// Package fetch turns intercepted requests into network fetches whose
// responses come back as cache.Entry snapshots.
package fetch

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"cache-intercept/pkg/cache"
)

// ErrInvalidRequest is returned when an intercepted request cannot be turned into a fetch.
var ErrInvalidRequest = errors.New("fetch: invalid request")

// MaxRequestBody bounds the body read from an intercepted request.
const MaxRequestBody = 1 << 20

// Request is an outbound request of the page as seen by the engine.
type Request struct {
	Method string
	// URL is always absolute.
	URL    string
	Header http.Header
	Body   []byte

	// Navigate marks a page navigation, which gets the offline page on failure.
	Navigate bool

	// Class labels metrics for this request. Set once the request is classified.
	Class string

	parsed *url.URL
}

// NewRequest builds a Request for an absolute URL.
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q is not absolute", ErrInvalidRequest, rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = make(http.Header)
	}
	return &Request{
		Method:   strings.ToUpper(method),
		URL:      u.String(),
		Header:   header,
		Navigate: IsNavigation(method, header),
		parsed:   u,
	}, nil
}

// FromHTTP converts a request received by the proxy. Absolute request URIs
// (forward proxy style) are used as they are; otherwise the URL is resolved
// against origin, or against the Host header when origin is empty.
func FromHTTP(r *http.Request, origin string) (*Request, error) {
	var target string
	switch {
	case r.URL.IsAbs():
		target = r.URL.String()
	case origin != "":
		target = strings.TrimRight(origin, "/") + r.URL.RequestURI()
	case r.Host != "":
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		target = scheme + "://" + r.Host + r.URL.RequestURI()
	default:
		return nil, fmt.Errorf("%w: cannot resolve %q without origin or host", ErrInvalidRequest, r.URL.RequestURI())
	}

	req, err := NewRequest(r.Method, target, cache.CloneHeader(r.Header))
	if err != nil {
		return nil, err
	}

	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody+1))
		if err != nil {
			return nil, fmt.Errorf("fetch: read request body: %w", err)
		}
		if len(body) > MaxRequestBody {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidRequest, MaxRequestBody)
		}
		req.Body = body
	}
	return req, nil
}

// ParsedURL returns the parsed form of URL.
func (r *Request) ParsedURL() *url.URL {
	if r.parsed == nil {
		u, err := url.Parse(r.URL)
		if err != nil {
			return &url.URL{}
		}
		r.parsed = u
	}
	return r.parsed
}

// Key returns the cache key of the request.
func (r *Request) Key() (string, error) {
	return cache.RequestKeyFromURL(r.Method, r.ParsedURL())
}

// IsNavigation reports whether the request is a top-level page load:
// Sec-Fetch-Mode: navigate, or a GET whose Accept header lists text/html first.
func IsNavigation(method string, h http.Header) bool {
	if !strings.EqualFold(method, http.MethodGet) {
		return false
	}
	if strings.EqualFold(h.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	accept := h.Get("Accept")
	if accept == "" {
		return false
	}
	first, _, _ := strings.Cut(accept, ",")
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	return err == nil && mediaType == "text/html"
}
