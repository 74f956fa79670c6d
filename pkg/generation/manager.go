// Package generation owns the lifecycle of the cache generations: install-time
// population of the stable generation, activation-time removal of obsolete
// generations and the size bound of the runtime generation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/fetch"
	"cache-intercept/pkg/logging"
	"cache-intercept/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInstallFailed is returned when a critical asset could not be cached.
	ErrInstallFailed = errors.New("generation: install failed")

	// ErrNotInstalled is returned by Activate before a successful Install.
	ErrNotInstalled = errors.New("generation: not installed")
)

// Role is the logical purpose of a generation.
type Role string

const (
	RoleStable   Role = "stable"
	RoleExternal Role = "external"
	RoleRuntime  Role = "runtime"
)

// Roles lists every role in a fixed order.
var Roles = []Role{RoleStable, RoleExternal, RoleRuntime}

// Config configures a Manager.
type Config struct {
	// Version is the suffix shared by every current generation, e.g. "v9".
	Version string

	// Prefixes maps a role to its generation prefix. Missing roles use the role name.
	Prefixes map[Role]string

	// Origin is the base URL manifest paths are resolved against.
	Origin string

	// InstallConcurrency bounds parallel asset fetches (default: 4)
	InstallConcurrency int

	// Trim bounds the runtime generation.
	Trim TrimPolicy
}

// DefaultConfig returns the default configuration for version v9.
func DefaultConfig() Config {
	return Config{
		Version:            "v9",
		InstallConcurrency: 4,
		Trim:               DefaultTrimPolicy(),
	}
}

// Manifest is the install-time asset list. Paths are absolute ("/index.html").
type Manifest struct {
	// Critical assets must all be cached for the install to succeed.
	Critical []string
	// Assets are cached best-effort; failures are logged and skipped.
	Assets []string
}

// Paths returns every manifest path, critical first, without duplicates.
func (m Manifest) Paths() []string {
	seen := make(map[string]struct{}, len(m.Critical)+len(m.Assets))
	out := make([]string, 0, len(m.Critical)+len(m.Assets))
	for _, list := range [][]string{m.Critical, m.Assets} {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// InstallReport summarises an install.
type InstallReport struct {
	Cached []string `json:"cached"`
	Failed []string `json:"failed"`
}

// ActivationReport summarises an activation.
type ActivationReport struct {
	// Deleted lists the obsolete generations that were removed.
	Deleted []string `json:"deleted"`
	// Trimmed is the number of runtime entries evicted.
	Trimmed int `json:"trimmed"`
}

// Manager owns generation creation and deletion.
type Manager struct {
	store   cache.Store
	fetcher fetch.Fetcher
	config  Config
	names   map[Role]string
	metrics metrics.Collector
	logger  *logging.Logger

	installed atomic.Bool
	active    atomic.Bool

	// activateMu serializes activation and trimming.
	activateMu sync.Mutex
}

// NewManager creates a manager.
func NewManager(store cache.Store, fetcher fetch.Fetcher, config Config) (*Manager, error) {
	return NewManagerWithMetrics(store, fetcher, config, metrics.NoOpCollector{})
}

// NewManagerWithMetrics creates a manager reporting install fetches and evictions.
func NewManagerWithMetrics(store cache.Store, fetcher fetch.Fetcher, config Config, collector metrics.Collector) (*Manager, error) {
	if config.Version == "" {
		return nil, errors.New("generation: version is required")
	}
	if config.InstallConcurrency <= 0 {
		config.InstallConcurrency = 4
	}
	if err := config.Trim.Validate(); err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	names := make(map[Role]string, len(Roles))
	for _, role := range Roles {
		prefix := config.Prefixes[role]
		if prefix == "" {
			prefix = string(role)
		}
		name := prefix + "-" + config.Version
		if err := cache.ValidateNamespace(name); err != nil {
			return nil, fmt.Errorf("generation: %s: %w", role, err)
		}
		names[role] = name
	}

	return &Manager{
		store:   store,
		fetcher: fetcher,
		config:  config,
		names:   names,
		metrics: collector,
		logger:  logging.Global().Named("generation"),
	}, nil
}

// Current returns the current generation name for role.
func (m *Manager) Current(role Role) string {
	return m.names[role]
}

// Names returns the three current generation names.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(Roles))
	for _, role := range Roles {
		out = append(out, m.names[role])
	}
	return out
}

// Installed reports whether Install has succeeded.
func (m *Manager) Installed() bool {
	return m.installed.Load()
}

// Active reports whether Activate has completed at least once.
func (m *Manager) Active() bool {
	return m.active.Load()
}

// Install populates the stable generation. Critical assets are fetched first
// and must all succeed; the remaining assets are then fetched best-effort.
// The external and runtime generations are opened empty. On failure the
// manager stays uninstalled and Install may be retried.
func (m *Manager) Install(ctx context.Context, manifest Manifest) (InstallReport, error) {
	var report InstallReport
	stable := m.names[RoleStable]

	if err := m.store.Open(ctx, stable); err != nil {
		return report, fmt.Errorf("%w: open %s: %v", ErrInstallFailed, stable, err)
	}

	critical := dedupe(manifest.Critical)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.InstallConcurrency)
	for _, path := range critical {
		g.Go(func() error {
			if err := m.cacheAsset(gctx, stable, path); err != nil {
				return fmt.Errorf("%w: critical asset %s: %v", ErrInstallFailed, path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Error("Critical install pass failed", zap.String("generation", stable), zap.Error(err))
		return report, err
	}
	report.Cached = append(report.Cached, critical...)

	var mu sync.Mutex
	isCritical := make(map[string]struct{}, len(critical))
	for _, p := range critical {
		isCritical[p] = struct{}{}
	}

	var rest errgroup.Group
	rest.SetLimit(m.config.InstallConcurrency)
	for _, path := range dedupe(manifest.Assets) {
		if _, ok := isCritical[path]; ok {
			continue
		}
		rest.Go(func() error {
			err := m.cacheAsset(ctx, stable, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn("Skipping asset", zap.String("path", path), zap.Error(err))
				report.Failed = append(report.Failed, path)
				return nil
			}
			report.Cached = append(report.Cached, path)
			return nil
		})
	}
	rest.Wait()

	for _, role := range []Role{RoleExternal, RoleRuntime} {
		if err := m.store.Open(ctx, m.names[role]); err != nil {
			return report, fmt.Errorf("%w: open %s: %v", ErrInstallFailed, m.names[role], err)
		}
	}

	m.installed.Store(true)
	m.logger.Info("Installed",
		zap.String("generation", stable),
		zap.Int("cached", len(report.Cached)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func (m *Manager) cacheAsset(ctx context.Context, namespace, path string) error {
	req, err := fetch.NewRequest(http.MethodGet, strings.TrimRight(m.config.Origin, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Class = "install"
	key, err := req.Key()
	if err != nil {
		return err
	}

	start := time.Now()
	entry, err := m.fetcher.Fetch(ctx, req)
	m.metrics.RecordNetworkRequest(req.Class, err == nil, time.Since(start))
	if err != nil {
		return err
	}
	if !fetch.Cacheable(entry) {
		return fmt.Errorf("response %d is not cacheable", entry.Status)
	}
	return m.store.Put(ctx, namespace, key, entry)
}

// Activate deletes every generation that is not current and trims the runtime
// generation. Running it again with nothing obsolete deletes nothing.
func (m *Manager) Activate(ctx context.Context) (ActivationReport, error) {
	var report ActivationReport
	if !m.installed.Load() {
		return report, ErrNotInstalled
	}

	m.activateMu.Lock()
	defer m.activateMu.Unlock()

	namespaces, err := m.store.Namespaces(ctx)
	if err != nil {
		return report, fmt.Errorf("generation: list generations: %w", err)
	}

	current := make(map[string]struct{}, len(m.names))
	for _, name := range m.names {
		current[name] = struct{}{}
	}

	var errs []error
	for _, ns := range namespaces {
		if _, ok := current[ns]; ok {
			continue
		}
		if err := m.store.DeleteNamespace(ctx, ns); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", ns, err))
			continue
		}
		report.Deleted = append(report.Deleted, ns)
		m.logger.Info("Deleted obsolete generation", zap.String("generation", ns))
	}

	trimmed, err := m.trimLocked(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.Trimmed = trimmed

	if err := errors.Join(errs...); err != nil {
		return report, fmt.Errorf("generation: activate: %w", err)
	}

	m.active.Store(true)
	return report, nil
}

// TrimRuntime enforces the trim policy on the runtime generation.
func (m *Manager) TrimRuntime(ctx context.Context) (int, error) {
	m.activateMu.Lock()
	defer m.activateMu.Unlock()
	return m.trimLocked(ctx)
}

func (m *Manager) trimLocked(ctx context.Context) (int, error) {
	runtime := m.names[RoleRuntime]
	n, err := m.config.Trim.Trim(ctx, m.store, runtime)
	if n > 0 {
		m.metrics.RecordEviction(runtime, n)
		m.logger.Debug("Trimmed runtime generation", zap.String("generation", runtime), zap.Int("evicted", n))
	}
	return n, err
}

// RunTrimmer trims the runtime generation every interval until ctx is done.
func (m *Manager) RunTrimmer(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.TrimRuntime(ctx); err != nil {
				m.logger.Warn("Periodic trim failed", zap.Error(err))
			}
		}
	}
}

// GenerationInfo describes one stored generation.
type GenerationInfo struct {
	Name    string `json:"name"`
	Role    Role   `json:"role,omitempty"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
}

// List describes every generation in the store, current or not.
func (m *Manager) List(ctx context.Context) ([]GenerationInfo, error) {
	namespaces, err := m.store.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("generation: list generations: %w", err)
	}

	roles := make(map[string]Role, len(m.names))
	for role, name := range m.names {
		roles[name] = role
	}

	out := make([]GenerationInfo, 0, len(namespaces))
	for _, ns := range namespaces {
		keys, err := m.store.Keys(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("generation: list %s: %w", ns, err)
		}
		role, current := roles[ns]
		out = append(out, GenerationInfo{Name: ns, Role: role, Current: current, Entries: len(keys)})
	}
	return out, nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
