// Package connectivity tracks whether the origin is reachable and emits the
// connectivity-restored signal when it comes back.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cache-intercept/pkg/logging"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Config configures a Monitor.
type Config struct {
	// ProbeURL is requested while offline. Empty disables probing; the
	// monitor then only recovers through ReportSuccess or Signal.
	ProbeURL string

	// ProbeTimeout bounds one probe (default: 3s)
	ProbeTimeout time.Duration

	// InitialInterval is the first probe delay (default: 500ms)
	InitialInterval time.Duration

	// MaxInterval caps the probe delay (default: 30s)
	MaxInterval time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:    3 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// Subscriber receives the connectivity-restored signal.
type Subscriber func(ctx context.Context)

// Monitor holds the online/offline state. It starts online.
type Monitor struct {
	config Config
	client *http.Client
	logger *logging.Logger

	online  atomic.Bool
	signals atomic.Int64

	mu          sync.Mutex
	probing     bool
	subscribers []Subscriber

	ctx    context.Context
	cancel context.CancelFunc
	bg     conc.WaitGroup
}

// New creates a monitor in the online state.
func New(config Config) *Monitor {
	defaults := DefaultConfig()
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = defaults.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = defaults.MaxInterval
	}
	if config.MaxInterval < config.InitialInterval {
		config.MaxInterval = config.InitialInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		config: config,
		client: &http.Client{Timeout: config.ProbeTimeout},
		logger: logging.Global().Named("connectivity"),
		ctx:    ctx,
		cancel: cancel,
	}
	m.online.Store(true)
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Signals returns how many restored signals were emitted.
func (m *Monitor) Signals() int64 {
	return m.signals.Load()
}

// OnRestored registers fn to run on every connectivity-restored signal.
func (m *Monitor) OnRestored(fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// ReportFailure marks the origin unreachable and starts probing.
func (m *Monitor) ReportFailure(err error) {
	if m.online.CompareAndSwap(true, false) {
		m.logger.Warn("Origin unreachable, going offline", zap.Error(err))
	}
	m.startProbe()
}

// ReportSuccess marks the origin reachable. Coming back from offline emits
// the restored signal in the background.
func (m *Monitor) ReportSuccess() {
	if m.online.CompareAndSwap(false, true) {
		m.logger.Info("Origin reachable again")
		m.bg.Go(func() { m.emit(m.ctx) })
	}
}

// MarkOnline marks the origin reachable without emitting the restored
// signal; the caller does the work subscribers would have done. It reports
// whether the monitor was offline.
func (m *Monitor) MarkOnline() bool {
	if m.online.CompareAndSwap(false, true) {
		m.logger.Info("Origin marked reachable")
		return true
	}
	return false
}

// Signal emits the restored signal now and waits for subscribers to return.
func (m *Monitor) Signal(ctx context.Context) {
	m.online.Store(true)
	m.emit(ctx)
}

func (m *Monitor) emit(ctx context.Context) {
	m.mu.Lock()
	subs := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()

	m.signals.Add(1)
	for _, fn := range subs {
		fn(ctx)
	}
}

func (m *Monitor) startProbe() {
	if m.config.ProbeURL == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.probing || m.ctx.Err() != nil {
		return
	}
	m.probing = true
	m.bg.Go(m.probeLoop)
}

func (m *Monitor) probeLoop() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = m.config.InitialInterval
	backoffCfg.MaxInterval = m.config.MaxInterval

	for {
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = m.config.MaxInterval
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(sleep):
		}

		if !m.online.Load() {
			if err := m.probe(); err != nil {
				m.logger.Debug("Probe failed", zap.Duration("next_max", m.config.MaxInterval), zap.Error(err))
				continue
			}
			m.ReportSuccess()
		}
		if m.finishProbe() {
			return
		}
		// Offline again before the loop could stop.
		backoffCfg.Reset()
	}
}

// finishProbe clears the probing flag unless the origin went offline again,
// in which case the current loop must keep probing. ReportFailure flips
// online before taking the lock in startProbe, so one of the two always
// sees the other.
func (m *Monitor) finishProbe() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online.Load() && m.ctx.Err() == nil {
		return false
	}
	m.probing = false
	return true
}

// probe succeeds on any HTTP response; only transport errors mean offline.
func (m *Monitor) probe() error {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close stops probing and waits for in-flight signals.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.bg.Wait()
}
