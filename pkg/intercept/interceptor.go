// Package intercept is the entry point every outbound request passes through.
//
// GET requests are classified and answered by the strategy routed to their
// class. Failed requests degrade to the offline page (navigations) or a
// synthetic 503. Write-like requests go straight to the network; those tagged
// with an action kind are deferred while the origin is unreachable.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/classify"
	"cache-intercept/pkg/connectivity"
	"cache-intercept/pkg/fetch"
	"cache-intercept/pkg/generation"
	"cache-intercept/pkg/logging"
	"cache-intercept/pkg/metrics"
	"cache-intercept/pkg/queue"
	"cache-intercept/pkg/strategy"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Response headers set on every intercepted response.
const (
	HeaderCache      = "X-Cache"
	HeaderCacheClass = "X-Cache-Class"

	// HeaderActionKind marks a write-like request as deferrable.
	HeaderActionKind = "X-Action-Kind"
	// HeaderDefer forces deferral of a deferrable request.
	HeaderDefer = "X-Defer"
	// HeaderActionID carries the id of a deferred action.
	HeaderActionID = "X-Deferred-Action-Id"
)

// X-Cache values.
const (
	StatusHit      = "hit"
	StatusStale    = "stale"
	StatusMiss     = "miss"
	StatusBypass   = "bypass"
	StatusOffline  = "offline"
	StatusDeferred = "deferred"
)

// Config configures an Interceptor.
type Config struct {
	// Origin resolves relative request URIs and the offline page. Empty uses
	// the request's Host header.
	Origin string

	// OfflinePage is the stable-generation path served to failed navigations.
	OfflinePage string

	// RetryAfter is advertised on synthetic 503 responses (default: 30s)
	RetryAfter time.Duration

	// Routes maps each cacheable class to its generation and strategy.
	Routes map[classify.Class]Route
}

// DefaultConfig returns the default interceptor configuration.
func DefaultConfig() Config {
	return Config{
		OfflinePage: "/offline.html",
		RetryAfter:  30 * time.Second,
		Routes:      DefaultRoutes(),
	}
}

// Components are the collaborators of an Interceptor. Queue and Monitor are
// optional; without them nothing is deferred.
type Components struct {
	Engine      *strategy.Engine
	Classifier  *classify.Classifier
	Generations *generation.Manager
	Store       cache.Store
	Fetcher     fetch.Fetcher
	Queue       *queue.Queue
	Monitor     *connectivity.Monitor
	Metrics     metrics.Collector
}

// Interceptor is an http.Handler that answers intercepted requests.
type Interceptor struct {
	c      Components
	config Config
	logger *logging.Logger

	active atomic.Bool
}

// New creates an interceptor. It passes requests straight through until
// Activate completes.
func New(c Components, config Config) (*Interceptor, error) {
	if c.Engine == nil || c.Classifier == nil || c.Generations == nil || c.Store == nil || c.Fetcher == nil {
		return nil, errors.New("intercept: engine, classifier, generations, store and fetcher are required")
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoOpCollector{}
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = DefaultConfig().RetryAfter
	}
	if config.Routes == nil {
		config.Routes = DefaultRoutes()
	}
	if err := validateRoutes(config.Routes); err != nil {
		return nil, err
	}
	if config.OfflinePage != "" && !strings.HasPrefix(config.OfflinePage, "/") {
		return nil, fmt.Errorf("intercept: offline page %q must be an absolute path", config.OfflinePage)
	}

	return &Interceptor{
		c:      c,
		config: config,
		logger: logging.Global().Named("intercept"),
	}, nil
}

// Activate removes obsolete generations and then starts intercepting.
// Requests arriving before cleanup completes are passed through untouched.
func (i *Interceptor) Activate(ctx context.Context) (generation.ActivationReport, error) {
	report, err := i.c.Generations.Activate(ctx)
	if err != nil {
		return report, err
	}
	i.active.Store(true)
	i.logger.Info("Interception active",
		zap.Strings("deleted", report.Deleted),
		zap.Int("trimmed", report.Trimmed))
	return report, nil
}

// Active reports whether requests are being intercepted.
func (i *Interceptor) Active() bool {
	return i.active.Load()
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := fetch.FromHTTP(r, i.config.Origin)
	if err != nil {
		i.logger.Debug("Rejected request", zap.String("uri", r.RequestURI), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case !i.active.Load():
		i.passThrough(w, r.Context(), req, false)
	case req.Method != http.MethodGet:
		i.passThrough(w, r.Context(), req, true)
	default:
		i.serveGet(w, r.Context(), req)
	}
}

func (i *Interceptor) serveGet(w http.ResponseWriter, ctx context.Context, req *fetch.Request) {
	decision := i.c.Classifier.Classify(req)
	if decision.Class == classify.Bypass {
		i.passThrough(w, ctx, req, false)
		return
	}
	req.Class = string(decision.Class)

	route := i.config.Routes[decision.Class]
	namespace := i.c.Generations.Current(route.Generation)

	var (
		res *strategy.Result
		err error
	)
	switch route.Strategy {
	case CacheFirst:
		res, err = i.c.Engine.CacheFirst(ctx, req, namespace, decision.MaxAge)
	case StaleWhileRevalidate:
		res, err = i.c.Engine.StaleWhileRevalidate(ctx, req, namespace)
	default:
		res, err = i.c.Engine.NetworkFirst(ctx, req, namespace, decision.MaxAge, decision.Timeout)
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		i.reportNetwork(err)
		i.fallback(w, ctx, req, decision.Class)
		return
	}

	status := StatusMiss
	switch {
	case res.Source == strategy.SourceNetwork:
		i.reportNetwork(nil)
	case res.Stale:
		status = StatusStale
	default:
		status = StatusHit
	}
	if res.NetworkErr != nil {
		i.reportNetwork(res.NetworkErr)
	}
	writeEntry(w, res.Entry, status, decision.Class)
}

// passThrough sends req to the network unchanged. With deferral enabled a
// request carrying an action kind is queued instead when the origin is
// unreachable or deferral is requested.
func (i *Interceptor) passThrough(w http.ResponseWriter, ctx context.Context, req *fetch.Request, deferral bool) {
	req.Class = string(classify.Bypass)

	kind := queue.Kind(req.Header.Get(HeaderActionKind))
	deferrable := deferral && kind != "" && i.c.Queue != nil && i.c.Queue.Supports(kind)
	forced := strings.EqualFold(req.Header.Get(HeaderDefer), "true")
	req.Header.Del(HeaderDefer)

	if deferrable && (forced || (i.c.Monitor != nil && !i.c.Monitor.Online())) {
		i.deferAction(w, ctx, req, kind)
		return
	}

	start := time.Now()
	entry, err := i.c.Fetcher.Fetch(ctx, req)
	i.c.Metrics.RecordNetworkRequest(req.Class, err == nil, time.Since(start))
	if err != nil {
		i.reportNetwork(err)
		if deferrable && fetch.IsNetworkError(err) {
			i.deferAction(w, ctx, req, kind)
			return
		}
		i.c.Metrics.RecordError(req.Class, "network")
		i.unavailable(w, classify.Bypass)
		return
	}

	i.reportNetwork(nil)
	writeEntry(w, entry, StatusBypass, classify.Bypass)
}

func (i *Interceptor) deferAction(w http.ResponseWriter, ctx context.Context, req *fetch.Request, kind queue.Kind) {
	action, err := i.c.Queue.Enqueue(ctx, kind, req.Body, req.Header.Get("Content-Type"))
	if err != nil {
		i.logger.Warn("Could not defer action", zap.String("kind", string(kind)), zap.Error(err))
		i.c.Metrics.RecordError(string(classify.Bypass), "defer")
		i.unavailable(w, classify.Bypass)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderCache, StatusDeferred)
	w.Header().Set(HeaderCacheClass, string(classify.Bypass))
	w.Header().Set(HeaderActionID, action.ID)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"id":          action.ID,
		"kind":        action.Kind,
		"enqueued_at": action.EnqueuedAt,
	})
}

// fallback answers a request no strategy could serve.
func (i *Interceptor) fallback(w http.ResponseWriter, ctx context.Context, req *fetch.Request, class classify.Class) {
	if req.Navigate {
		if page := i.offlinePage(ctx, req); page != nil {
			writeEntry(w, page, StatusOffline, class)
			return
		}
	}
	i.unavailable(w, class)
}

func (i *Interceptor) offlinePage(ctx context.Context, req *fetch.Request) *cache.Entry {
	if i.config.OfflinePage == "" {
		return nil
	}
	base := i.config.Origin
	if base == "" {
		u := req.ParsedURL()
		base = u.Scheme + "://" + u.Host
	}
	key, err := cache.RequestKey(http.MethodGet, strings.TrimRight(base, "/")+i.config.OfflinePage)
	if err != nil {
		return nil
	}

	page, err := i.c.Store.Match(ctx, i.c.Generations.Current(generation.RoleStable), key)
	if err != nil {
		if !cache.IsNotFound(err) {
			i.logger.Warn("Offline page lookup failed", zap.Error(err))
		}
		return nil
	}
	return page
}

func (i *Interceptor) unavailable(w http.ResponseWriter, class classify.Class) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Retry-After", strconv.Itoa(int(i.config.RetryAfter/time.Second)))
	h.Set(HeaderCache, StatusOffline)
	h.Set(HeaderCacheClass, string(class))
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintln(w, "Service Unavailable: the network is unreachable and no cached response exists")
}

// reportNetwork feeds the connectivity monitor. Only transport failures mean
// the origin is unreachable; error statuses are responses.
func (i *Interceptor) reportNetwork(err error) {
	if i.c.Monitor == nil {
		return
	}
	switch {
	case err == nil:
		i.c.Monitor.ReportSuccess()
	case fetch.IsNetworkError(err):
		i.c.Monitor.ReportFailure(err)
	}
}

func writeEntry(w http.ResponseWriter, entry *cache.Entry, status string, class classify.Class) {
	h := w.Header()
	for k, vs := range entry.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set(HeaderCache, status)
	h.Set(HeaderCacheClass, string(class))
	h.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}
