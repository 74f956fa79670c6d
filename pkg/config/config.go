// Package config loads the YAML configuration of the offline cache and
// converts it into the settings of each component.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"cache-intercept/pkg/classify"
	"cache-intercept/pkg/connectivity"
	"cache-intercept/pkg/generation"
	"cache-intercept/pkg/intercept"
	"cache-intercept/pkg/logging"
	"cache-intercept/pkg/queue"
	"cache-intercept/pkg/queue/postgres"

	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "OFFLINECACHE_CONFIG"

// Duration is a time.Duration written as a Go duration string ("3s", "24h").
type Duration time.Duration

// UnmarshalYAML parses the scalar with time.ParseDuration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the whole configuration file.
type Config struct {
	// Version suffixes every current generation name.
	Version string `yaml:"version"`
	// Origin is the site the proxy fronts.
	Origin string `yaml:"origin"`
	// Listen is the proxy listen address.
	Listen string `yaml:"listen"`

	Admin        AdminConfig        `yaml:"admin"`
	Log          logging.Config     `yaml:"log"`
	Store        StoreConfig        `yaml:"store"`
	Fetch        FetchConfig        `yaml:"fetch"`
	Generations  GenerationsConfig  `yaml:"generations"`
	Manifest     ManifestConfig     `yaml:"manifest"`
	Classify     ClassifyConfig     `yaml:"classify"`
	Intercept    InterceptConfig    `yaml:"intercept"`
	Refresher    RefresherConfig    `yaml:"refresher"`
	Queue        QueueConfig        `yaml:"queue"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

type AdminConfig struct {
	Address      string   `yaml:"address"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// StoreConfig selects the response store backend and its decorators.
type StoreConfig struct {
	// Backend is memory, leveldb or redis.
	Backend string `yaml:"backend"`

	LevelDB struct {
		Path string `yaml:"path"`
	} `yaml:"leveldb"`

	Redis struct {
		Addr      string   `yaml:"addr"`
		Cluster   []string `yaml:"cluster"`
		Username  string   `yaml:"username"`
		Password  string   `yaml:"password"`
		DB        int      `yaml:"db"`
		KeyPrefix string   `yaml:"keyPrefix"`
	} `yaml:"redis"`

	Bloom struct {
		Enabled           bool    `yaml:"enabled"`
		ExpectedItems     uint    `yaml:"expectedItems"`
		FalsePositiveRate float64 `yaml:"falsePositiveRate"`
	} `yaml:"bloom"`

	Resilience struct {
		Enabled bool     `yaml:"enabled"`
		Timeout Duration `yaml:"timeout"`
		// MaxRequests is the half-open probe budget of the circuit breaker.
		MaxRequests uint32   `yaml:"maxRequests"`
		Interval    Duration `yaml:"interval"`
		OpenTimeout Duration `yaml:"openTimeout"`
	} `yaml:"resilience"`
}

type FetchConfig struct {
	Timeout      Duration `yaml:"timeout"`
	MaxBodyBytes int64    `yaml:"maxBodyBytes"`
	UserAgent    string   `yaml:"userAgent"`
}

type GenerationsConfig struct {
	Prefixes           map[generation.Role]string `yaml:"prefixes"`
	InstallConcurrency int                        `yaml:"installConcurrency"`
	Trim               TrimConfig                 `yaml:"trim"`
	// TrimEvery runs the runtime trim periodically. Zero trims on activation only.
	TrimEvery Duration `yaml:"trimEvery"`
}

// TrimConfig bounds the runtime generation: above Cap entries it is trimmed to Floor.
type TrimConfig struct {
	Cap   int `yaml:"cap"`
	Floor int `yaml:"floor"`
}

type ManifestConfig struct {
	Critical []string `yaml:"critical"`
	Assets   []string `yaml:"assets"`
}

type PolicyConfig struct {
	Patterns []string `yaml:"patterns"`
	MaxAge   Duration `yaml:"maxAge"`
	Timeout  Duration `yaml:"timeout"`
}

type ClassifyConfig struct {
	SiteHost  string       `yaml:"siteHost"`
	Realtime  PolicyConfig `yaml:"realtime"`
	StaticAPI PolicyConfig `yaml:"staticApi"`
	Runtime   PolicyConfig `yaml:"runtime"`
}

type InterceptConfig struct {
	OfflinePage string   `yaml:"offlinePage"`
	RetryAfter  Duration `yaml:"retryAfter"`
	// Routes overrides the generation and strategy of individual classes.
	Routes map[classify.Class]intercept.Route `yaml:"routes"`
}

type RefresherConfig struct {
	Workers    int      `yaml:"workers"`
	QueueSize  int      `yaml:"queueSize"`
	JobTimeout Duration `yaml:"jobTimeout"`
}

// QueueConfig configures the deferred action log and its replay endpoints.
type QueueConfig struct {
	// Backend is memory, leveldb or postgres.
	Backend     string                     `yaml:"backend"`
	Path        string                     `yaml:"path"`
	Postgres    postgres.Config            `yaml:"postgres"`
	ReplayRate  float64                    `yaml:"replayRate"`
	ReplayBurst int                        `yaml:"replayBurst"`
	Timeout     Duration                   `yaml:"timeout"`
	Routes      map[queue.Kind]queue.Route `yaml:"routes"`
}

type ConnectivityConfig struct {
	ProbeURL        string   `yaml:"probeURL"`
	ProbeTimeout    Duration `yaml:"probeTimeout"`
	InitialInterval Duration `yaml:"initialInterval"`
	MaxInterval     Duration `yaml:"maxInterval"`
}

type MetricsConfig struct {
	Namespace  string `yaml:"namespace"`
	Prometheus bool   `yaml:"prometheus"`
}

// Default returns the configuration used for every field the file leaves unset.
func Default() Config {
	var c Config
	c.Version = "v9"
	c.Listen = ":8080"
	c.Admin = AdminConfig{Address: ":9090", ReadTimeout: Duration(5 * time.Second), WriteTimeout: Duration(30 * time.Second)}
	c.Log = logging.DefaultConfig()

	c.Store.Backend = "memory"
	c.Store.LevelDB.Path = "data/responses"
	c.Store.Redis.Addr = "localhost:6379"
	c.Store.Redis.KeyPrefix = "offlinecache:"
	c.Store.Bloom.ExpectedItems = 100000
	c.Store.Bloom.FalsePositiveRate = 0.01
	c.Store.Resilience.Timeout = Duration(500 * time.Millisecond)
	c.Store.Resilience.MaxRequests = 1
	c.Store.Resilience.Interval = Duration(10 * time.Second)
	c.Store.Resilience.OpenTimeout = Duration(30 * time.Second)

	c.Fetch.Timeout = Duration(30 * time.Second)
	c.Fetch.MaxBodyBytes = 10 << 20

	gen := generation.DefaultConfig()
	c.Generations.InstallConcurrency = gen.InstallConcurrency
	c.Generations.Trim.Cap = gen.Trim.Cap
	c.Generations.Trim.Floor = gen.Trim.Floor

	cls := classify.DefaultConfig()
	c.Classify.Realtime = PolicyConfig{MaxAge: Duration(cls.Realtime.MaxAge), Timeout: Duration(cls.Realtime.Timeout)}
	c.Classify.StaticAPI = PolicyConfig{MaxAge: Duration(cls.StaticAPI.MaxAge), Timeout: Duration(cls.StaticAPI.Timeout)}
	c.Classify.Runtime = PolicyConfig{MaxAge: Duration(cls.RuntimeMaxAge), Timeout: Duration(cls.RuntimeTimeout)}

	ic := intercept.DefaultConfig()
	c.Intercept.OfflinePage = ic.OfflinePage
	c.Intercept.RetryAfter = Duration(ic.RetryAfter)

	c.Refresher.Workers = 2
	c.Refresher.QueueSize = 1000
	c.Refresher.JobTimeout = Duration(30 * time.Second)

	c.Queue.Backend = "memory"
	c.Queue.Path = "data/queue"
	c.Queue.Postgres = postgres.DefaultConfig()
	c.Queue.Timeout = Duration(10 * time.Second)

	cc := connectivity.DefaultConfig()
	c.Connectivity.ProbeTimeout = Duration(cc.ProbeTimeout)
	c.Connectivity.InitialInterval = Duration(cc.InitialInterval)
	c.Connectivity.MaxInterval = Duration(cc.MaxInterval)

	c.Metrics.Namespace = "offlinecache"
	c.Metrics.Prometheus = true
	return c
}

// Load reads the file at path over the defaults and validates the result.
// An empty path falls back to $OFFLINECACHE_CONFIG.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return Config{}, fmt.Errorf("config: no path given and %s is not set", EnvPath)
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML document over the defaults and validates the result.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Origin == "" {
		return fmt.Errorf("config: origin is required")
	}
	if !strings.HasPrefix(c.Origin, "http://") && !strings.HasPrefix(c.Origin, "https://") {
		return fmt.Errorf("config: origin %q must be an http(s) URL", c.Origin)
	}
	if c.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("config: listen is required")
	}

	switch c.Store.Backend {
	case "memory", "redis":
	case "leveldb":
		if c.Store.LevelDB.Path == "" {
			return fmt.Errorf("config: store.leveldb.path is required")
		}
	default:
		return fmt.Errorf("config: store.backend must be memory, leveldb or redis, got %q", c.Store.Backend)
	}
	if c.Store.Bloom.Enabled && (c.Store.Bloom.FalsePositiveRate <= 0 || c.Store.Bloom.FalsePositiveRate >= 1) {
		return fmt.Errorf("config: store.bloom.falsePositiveRate must be between 0 and 1")
	}

	if err := c.GenerationConfig().Trim.Validate(); err != nil {
		return fmt.Errorf("config: generations.trim: %w", err)
	}
	for _, p := range append(append([]string(nil), c.Manifest.Critical...), c.Manifest.Assets...) {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: manifest path %q must be absolute", p)
		}
	}

	switch c.Queue.Backend {
	case "memory", "postgres":
	case "leveldb":
		if c.Queue.Path == "" {
			return fmt.Errorf("config: queue.path is required")
		}
	default:
		return fmt.Errorf("config: queue.backend must be memory, leveldb or postgres, got %q", c.Queue.Backend)
	}
	for kind, route := range c.Queue.Routes {
		if route.URL == "" {
			return fmt.Errorf("config: queue.routes.%s.url is required", kind)
		}
	}
	if c.Queue.ReplayRate < 0 {
		return fmt.Errorf("config: queue.replayRate must be >= 0")
	}
	return nil
}

// GenerationConfig returns the generation manager settings.
func (c Config) GenerationConfig() generation.Config {
	return generation.Config{
		Version:            c.Version,
		Prefixes:           c.Generations.Prefixes,
		Origin:             c.Origin,
		InstallConcurrency: c.Generations.InstallConcurrency,
		Trim:               generation.TrimPolicy{Cap: c.Generations.Trim.Cap, Floor: c.Generations.Trim.Floor},
	}
}

// InstallManifest returns the install manifest. The offline page is always critical.
func (c Config) InstallManifest() generation.Manifest {
	m := generation.Manifest{
		Critical: append([]string(nil), c.Manifest.Critical...),
		Assets:   append([]string(nil), c.Manifest.Assets...),
	}
	if page := c.Intercept.OfflinePage; page != "" {
		m.Critical = append(m.Critical, page)
	}
	return m
}

// ClassifierConfig returns the classifier settings. Every manifest path is
// a static asset of the site host, which defaults to the origin's host.
func (c Config) ClassifierConfig() classify.Config {
	siteHost := c.Classify.SiteHost
	if siteHost == "" {
		if u, err := url.Parse(c.Origin); err == nil {
			siteHost = strings.ToLower(u.Host)
		}
	}
	return classify.Config{
		Realtime: classify.Allowlist{
			Patterns: c.Classify.Realtime.Patterns,
			MaxAge:   c.Classify.Realtime.MaxAge.Std(),
			Timeout:  c.Classify.Realtime.Timeout.Std(),
		},
		StaticAPI: classify.Allowlist{
			Patterns: c.Classify.StaticAPI.Patterns,
			MaxAge:   c.Classify.StaticAPI.MaxAge.Std(),
			Timeout:  c.Classify.StaticAPI.Timeout.Std(),
		},
		Manifest:       c.InstallManifest().Paths(),
		SiteHost:       siteHost,
		RuntimeMaxAge:  c.Classify.Runtime.MaxAge.Std(),
		RuntimeTimeout: c.Classify.Runtime.Timeout.Std(),
	}
}

// InterceptorConfig returns the interceptor settings with route overrides applied.
func (c Config) InterceptorConfig() intercept.Config {
	routes := intercept.DefaultRoutes()
	for class, route := range c.Intercept.Routes {
		base := routes[class]
		if route.Generation != "" {
			base.Generation = route.Generation
		}
		if route.Strategy != "" {
			base.Strategy = route.Strategy
		}
		routes[class] = base
	}
	return intercept.Config{
		Origin:      c.Origin,
		OfflinePage: c.Intercept.OfflinePage,
		RetryAfter:  c.Intercept.RetryAfter.Std(),
		Routes:      routes,
	}
}

// MonitorConfig returns the connectivity monitor settings. Without an explicit probe
// URL the origin itself is probed.
func (c Config) MonitorConfig() connectivity.Config {
	probe := c.Connectivity.ProbeURL
	if probe == "" {
		probe = c.Origin + "/"
	}
	return connectivity.Config{
		ProbeURL:        probe,
		ProbeTimeout:    c.Connectivity.ProbeTimeout.Std(),
		InitialInterval: c.Connectivity.InitialInterval.Std(),
		MaxInterval:     c.Connectivity.MaxInterval.Std(),
	}
}

// QueueRuntimeConfig returns the replay pacing of the queue.
func (c Config) QueueRuntimeConfig() queue.Config {
	return queue.Config{ReplayRate: c.Queue.ReplayRate, ReplayBurst: c.Queue.ReplayBurst}
}
