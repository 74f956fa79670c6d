package classify

import (
	"net/http"
	"testing"
	"time"

	"cache-intercept/pkg/fetch"
)

func testClassifier(t *testing.T) *Classifier {
	t.Helper()
	config := DefaultConfig()
	config.Realtime.Patterns = []string{
		"api.coingecko.com/api/v3/simple/price",
		"https://ledger.example.com",
	}
	config.StaticAPI.Patterns = []string{
		"fonts.googleapis.com",
		"cdn.jsdelivr.net/npm/*/dist/**",
	}
	config.Manifest = []string{"/", "/index.html", "/css/critical.css", "/js/safety.js"}
	config.SiteHost = "shop.example.com"

	c, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func request(t *testing.T, method, url string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest(%s) failed: %v", url, err)
	}
	return req
}

func TestClassify(t *testing.T) {
	c := testClassifier(t)

	tests := []struct {
		name   string
		method string
		url    string
		want   Class
	}{
		{"post bypasses", http.MethodPost, "https://shop.example.com/index.html", Bypass},
		{"head bypasses", http.MethodHead, "https://shop.example.com/index.html", Bypass},
		{"realtime prefix", http.MethodGet, "https://api.coingecko.com/api/v3/simple/price?ids=btc", RealtimeAPI},
		{"realtime prefix subpath", http.MethodGet, "https://api.coingecko.com/api/v3/simple/price/extra", RealtimeAPI},
		{"realtime other path", http.MethodGet, "https://api.coingecko.com/api/v3/coins", Runtime},
		{"realtime bare host", http.MethodGet, "https://ledger.example.com/tx/42", RealtimeAPI},
		{"host is case insensitive", http.MethodGet, "https://LEDGER.example.com/", RealtimeAPI},
		{"static api host", http.MethodGet, "https://fonts.googleapis.com/css2?family=Inter", StaticAPI},
		{"static api glob", http.MethodGet, "https://cdn.jsdelivr.net/npm/chart.js/dist/chart.umd.js", StaticAPI},
		{"static api glob segment", http.MethodGet, "https://cdn.jsdelivr.net/npm/a/b/dist/x.js", Runtime},
		{"manifest asset", http.MethodGet, "https://shop.example.com/index.html", StaticAsset},
		{"manifest root", http.MethodGet, "https://shop.example.com", StaticAsset},
		{"manifest with query", http.MethodGet, "https://shop.example.com/js/safety.js?v=2", StaticAsset},
		{"manifest on other host", http.MethodGet, "https://evil.example.com/index.html", Runtime},
		{"manifest path prefix is not exact", http.MethodGet, "https://shop.example.com/index.html/x", Runtime},
		{"unknown", http.MethodGet, "https://shop.example.com/api/cart", Runtime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(request(t, tt.method, tt.url))
			if got.Class != tt.want {
				t.Errorf("Classify(%s %s) = %s, want %s", tt.method, tt.url, got.Class, tt.want)
			}
		})
	}
}

func TestClassify_Precedence(t *testing.T) {
	config := DefaultConfig()
	config.Realtime.Patterns = []string{"shop.example.com/index.html"}
	config.StaticAPI.Patterns = []string{"shop.example.com"}
	config.Manifest = []string{"/index.html", "/app.js"}

	c, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if got := c.Classify(request(t, "GET", "https://shop.example.com/index.html")).Class; got != RealtimeAPI {
		t.Errorf("realtime should win, got %s", got)
	}
	if got := c.Classify(request(t, "GET", "https://shop.example.com/app.js")).Class; got != StaticAPI {
		t.Errorf("static api should win over manifest, got %s", got)
	}
}

func TestClassify_Policies(t *testing.T) {
	c := testClassifier(t)

	tests := []struct {
		url         string
		wantMaxAge  time.Duration
		wantTimeout time.Duration
	}{
		{"https://ledger.example.com/", 60 * time.Second, 3 * time.Second},
		{"https://fonts.googleapis.com/x", 24 * time.Hour, 0},
		{"https://shop.example.com/index.html", 0, 0},
		{"https://shop.example.com/other", time.Hour, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			d := c.Classify(request(t, "GET", tt.url))
			if d.MaxAge != tt.wantMaxAge || d.Timeout != tt.wantTimeout {
				t.Errorf("got maxAge=%v timeout=%v, want %v %v", d.MaxAge, d.Timeout, tt.wantMaxAge, tt.wantTimeout)
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	c := testClassifier(t)
	if got := c.Classify(nil).Class; got != Bypass {
		t.Errorf("nil request should bypass, got %s", got)
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"realtime", Config{Realtime: Allowlist{Patterns: []string{"api.example.com/[a"}}}},
		{"static", Config{StaticAPI: Allowlist{Patterns: []string{"  "}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.config); err == nil {
				t.Error("Expected compile error")
			}
		})
	}
}
