package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"cache-intercept/pkg/cache"
)

var (
	// ErrNetwork wraps every transport-level failure (DNS, connect, reset, timeout).
	// HTTP error statuses are responses, not network errors.
	ErrNetwork = errors.New("fetch: network error")

	// ErrBodyTooLarge is returned when a response body exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("fetch: response body too large")
)

// IsNetworkError reports whether err came from the transport.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// Fetcher performs network requests.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Entry, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Entry, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Entry, error) {
	return f(ctx, req)
}

// ClientConfig configures the HTTP fetcher.
type ClientConfig struct {
	// Timeout bounds a whole fetch including the body (default: 30s)
	Timeout time.Duration

	// MaxBodyBytes bounds a response body (default: 10 MiB)
	MaxBodyBytes int64

	// UserAgent replaces the request's User-Agent when set
	UserAgent string

	// Transport overrides http.DefaultTransport
	Transport http.RoundTripper
}

// Client is the HTTP Fetcher.
type Client struct {
	http   *http.Client
	config ClientConfig
	now    func() time.Time
}

// NewClient creates a fetcher.
func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 10 << 20
	}
	return &Client{
		http: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
			// Redirects are returned to the page, as a browser fetch would see them.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: config,
		now:    time.Now,
	}
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// Fetch performs req and snapshots the response. Only transport failures
// return an error; any HTTP status is returned as an entry.
func (c *Client) Fetch(ctx context.Context, req *Request) (*cache.Entry, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	copyHeaders(hreq.Header, req.Header)
	hreq.Header.Set("Accept-Encoding", "identity")
	if c.config.UserAgent != "" {
		hreq.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: read body: %w", ErrNetwork, req.Method, req.URL, err)
	}
	if int64(len(data)) > c.config.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %s %s", ErrBodyTooLarge, req.Method, req.URL)
	}

	return NewEntry(req, resp.StatusCode, resp.Header, data, c.now()), nil
}

// NewEntry snapshots a response. StoredAt comes from the Date header when it
// parses, otherwise from fetchedAt.
func NewEntry(req *Request, status int, header http.Header, body []byte, fetchedAt time.Time) *cache.Entry {
	h := cache.CloneHeader(header)
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Content-Length")
	for _, name := range hopHeaders {
		h.Del(name)
	}

	storedAt := fetchedAt
	if date := h.Get("Date"); date != "" {
		if t, err := http.ParseTime(date); err == nil {
			storedAt = t
		}
	}

	entry := &cache.Entry{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: storedAt.UTC(),
		Hash:     crc32.ChecksumIEEE(body),
	}
	if key, err := req.Key(); err == nil {
		entry.Key = key
	}
	return entry
}

// Cacheable reports whether a fetched response may be stored: a 2xx status
// without Cache-Control: no-store.
func Cacheable(e *cache.Entry) bool {
	if e == nil || !e.OK() {
		return false
	}
	for _, directive := range strings.Split(e.Header.Get("Cache-Control"), ",") {
		if strings.EqualFold(strings.TrimSpace(directive), "no-store") {
			return false
		}
	}
	return true
}
