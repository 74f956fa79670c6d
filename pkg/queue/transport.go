package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport re-issues deferred actions.
type Transport interface {
	// Supports reports whether kind has a replay endpoint.
	Supports(kind Kind) bool

	// Replay sends the action. A nil error means the endpoint accepted it.
	Replay(ctx context.Context, action Action) error
}

// Route is the replay endpoint of one kind.
type Route struct {
	Method string `yaml:"method"`
	URL    string `yaml:"url"`
}

// HTTPTransport replays actions over HTTP. Any 2xx status is success.
type HTTPTransport struct {
	routes map[Kind]Route
	client *http.Client
}

// NewHTTPTransport creates a transport for routes. A zero timeout means 10s.
func NewHTTPTransport(routes map[Kind]Route, timeout time.Duration) (*HTTPTransport, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	normalized := make(map[Kind]Route, len(routes))
	for kind, route := range routes {
		if route.URL == "" {
			return nil, fmt.Errorf("queue: route %s has no url", kind)
		}
		if route.Method == "" {
			route.Method = http.MethodPost
		}
		route.Method = strings.ToUpper(route.Method)
		normalized[kind] = route
	}
	return &HTTPTransport{
		routes: normalized,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (t *HTTPTransport) Supports(kind Kind) bool {
	_, ok := t.routes[kind]
	return ok
}

func (t *HTTPTransport) Replay(ctx context.Context, action Action) error {
	route, ok := t.routes[action.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, action.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, route.URL, bytes.NewReader(action.Payload))
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrReplayFailed, action.Kind, action.ID, err)
	}
	if action.ContentType != "" {
		req.Header.Set("Content-Type", action.ContentType)
	}
	req.Header.Set("X-Deferred-Action-Id", action.ID)
	req.Header.Set("X-Action-Kind", string(action.Kind))

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrReplayFailed, action.Kind, action.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d", ErrReplayFailed, action.Kind, action.ID, resp.StatusCode)
	}
	return nil
}
