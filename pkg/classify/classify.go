// Package classify assigns intercepted requests to a caching class.
//
// Classification is deterministic and side-effect free. Rules are evaluated in
// a fixed order: non-GET requests bypass caching, then the realtime API
// allowlist, then the static API allowlist, then the stable asset manifest.
// Anything else, including requests that cannot be interpreted, is runtime.
package classify

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"cache-intercept/pkg/fetch"

	"github.com/gobwas/glob"
)

// Class is the category that selects a caching strategy.
type Class string

const (
	// Bypass requests go straight to the network and are never cached.
	Bypass Class = "bypass"
	// StaticAsset requests are served from the stable generation.
	StaticAsset Class = "static-asset"
	// RealtimeAPI requests are network-first against the external generation.
	RealtimeAPI Class = "realtime-api"
	// StaticAPI requests are cache-first against the external generation.
	StaticAPI Class = "static-api"
	// Runtime requests are network-first against the bounded runtime generation.
	Runtime Class = "runtime"
)

// Classes lists every cacheable class.
var Classes = []Class{StaticAsset, RealtimeAPI, StaticAPI, Runtime}

// Decision is the result of classifying one request.
type Decision struct {
	Class Class
	// MaxAge is the staleness bound; zero means entries never go stale.
	MaxAge time.Duration
	// Timeout bounds the network leg of a network-first race.
	Timeout time.Duration
}

// Allowlist is a set of URL patterns sharing one freshness policy.
//
// Patterns are matched against "host/path" (no scheme, no query).
// A pattern without glob syntax is a prefix: "api.example.com/v1" matches
// "api.example.com/v1/prices". A bare host matches every path on that host.
// Glob patterns use '/' as separator, so "*" stays inside one segment and
// "**" crosses segments.
type Allowlist struct {
	Patterns []string
	MaxAge   time.Duration
	Timeout  time.Duration
}

// Config configures a Classifier.
type Config struct {
	Realtime  Allowlist
	StaticAPI Allowlist

	// Manifest lists the absolute paths of stable assets.
	Manifest []string

	// SiteHost restricts manifest matching to one host. Empty matches any host.
	SiteHost string

	RuntimeMaxAge  time.Duration
	RuntimeTimeout time.Duration
}

// DefaultConfig returns the default freshness policies with empty allowlists.
func DefaultConfig() Config {
	return Config{
		Realtime: Allowlist{
			MaxAge:  60 * time.Second,
			Timeout: 3 * time.Second,
		},
		StaticAPI: Allowlist{
			MaxAge: 24 * time.Hour,
		},
		RuntimeMaxAge:  time.Hour,
		RuntimeTimeout: 3 * time.Second,
	}
}

// Classifier classifies requests.
type Classifier struct {
	realtime  []glob.Glob
	staticAPI []glob.Glob
	manifest  map[string]struct{}
	config    Config
}

// New compiles the allowlists. It fails on the first pattern that does not compile.
func New(config Config) (*Classifier, error) {
	realtime, err := compileAll(config.Realtime.Patterns)
	if err != nil {
		return nil, fmt.Errorf("classify: realtime allowlist: %w", err)
	}
	staticAPI, err := compileAll(config.StaticAPI.Patterns)
	if err != nil {
		return nil, fmt.Errorf("classify: static api allowlist: %w", err)
	}

	manifest := make(map[string]struct{}, len(config.Manifest))
	for _, p := range config.Manifest {
		manifest[p] = struct{}{}
	}
	config.SiteHost = strings.ToLower(config.SiteHost)

	return &Classifier{
		realtime:  realtime,
		staticAPI: staticAPI,
		manifest:  manifest,
		config:    config,
	}, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func compilePattern(pattern string) (glob.Glob, error) {
	p := strings.TrimSpace(pattern)
	p = strings.TrimPrefix(p, "https://")
	p = strings.TrimPrefix(p, "http://")
	if p == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	host, rest, hasPath := strings.Cut(p, "/")
	host = strings.ToLower(host)
	switch {
	case !hasPath:
		p = host + "/**"
	case !strings.ContainsAny(p, "*?[{"):
		p = glob.QuoteMeta(host+"/"+rest) + "**"
	default:
		p = host + "/" + rest
	}

	g, err := glob.Compile(p, '/')
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return g, nil
}

// Classify returns the decision for req.
func (c *Classifier) Classify(req *fetch.Request) Decision {
	if req == nil || req.Method != http.MethodGet {
		return Decision{Class: Bypass}
	}

	u := req.ParsedURL()
	if u.Host == "" {
		return c.runtime()
	}
	host := strings.ToLower(u.Host)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	target := host + path

	if matchAny(c.realtime, target) {
		return Decision{Class: RealtimeAPI, MaxAge: c.config.Realtime.MaxAge, Timeout: c.config.Realtime.Timeout}
	}
	if matchAny(c.staticAPI, target) {
		return Decision{Class: StaticAPI, MaxAge: c.config.StaticAPI.MaxAge, Timeout: c.config.StaticAPI.Timeout}
	}
	if c.config.SiteHost == "" || c.config.SiteHost == host {
		if _, ok := c.manifest[path]; ok {
			return Decision{Class: StaticAsset}
		}
	}
	return c.runtime()
}

func (c *Classifier) runtime() Decision {
	return Decision{Class: Runtime, MaxAge: c.config.RuntimeMaxAge, Timeout: c.config.RuntimeTimeout}
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
