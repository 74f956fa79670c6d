package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig(url string) Config {
	return Config{
		ProbeURL:        url,
		ProbeTimeout:    time.Second,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for restored signal")
	}
}

func TestMonitor_StartsOnline(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	if !m.Online() {
		t.Error("Expected monitor to start online")
	}
}

func TestMonitor_ReportSuccessEmitsOnce(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	restored := make(chan struct{}, 4)
	m.OnRestored(func(ctx context.Context) { restored <- struct{}{} })

	// Success while already online is not a transition.
	m.ReportSuccess()

	m.ReportFailure(errors.New("dial tcp: refused"))
	if m.Online() {
		t.Fatal("Expected offline after failure")
	}

	m.ReportSuccess()
	m.ReportSuccess()
	waitSignal(t, restored)

	m.Close()
	if got := m.Signals(); got != 1 {
		t.Errorf("Expected 1 signal, got %d", got)
	}
	if len(restored) != 0 {
		t.Errorf("Expected no extra signals, %d pending", len(restored))
	}
}

func TestMonitor_ProbeRestores(t *testing.T) {
	var up atomic.Bool
	var probes atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		if !up.Load() {
			// Hijack and drop the connection so the client sees a transport error.
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	m := New(fastConfig(server.URL))
	defer m.Close()

	restored := make(chan struct{}, 1)
	m.OnRestored(func(ctx context.Context) { restored <- struct{}{} })

	m.ReportFailure(errors.New("timeout"))
	time.Sleep(50 * time.Millisecond)
	if m.Online() {
		t.Fatal("Expected to stay offline while probes fail")
	}
	if probes.Load() == 0 {
		t.Fatal("Expected probes while offline")
	}

	up.Store(true)
	waitSignal(t, restored)
	if !m.Online() {
		t.Error("Expected online after successful probe")
	}
}

func TestMonitor_FinishProbeWhileOfflineAgain(t *testing.T) {
	m := New(fastConfig("http://127.0.0.1:1"))
	defer m.Close()

	m.mu.Lock()
	m.probing = true
	m.mu.Unlock()

	m.online.Store(false)
	if m.finishProbe() {
		t.Fatal("probe loop must keep running while offline")
	}
	m.mu.Lock()
	probing := m.probing
	m.mu.Unlock()
	if !probing {
		t.Fatal("probing flag cleared while the loop continues")
	}

	m.online.Store(true)
	if !m.finishProbe() {
		t.Fatal("probe loop should stop once online")
	}
	m.mu.Lock()
	probing = m.probing
	m.mu.Unlock()
	if probing {
		t.Error("probing flag still set after the loop stopped")
	}
}

// A failure reported right as a probe restores connectivity must start
// probing again, so the monitor comes back a second time.
func TestMonitor_FailureDuringRestoreProbesAgain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	m := New(fastConfig(server.URL))
	defer m.Close()

	restored := make(chan struct{}, 4)
	var signals atomic.Int64
	m.OnRestored(func(ctx context.Context) {
		if signals.Add(1) == 1 {
			m.ReportFailure(errors.New("connection reset"))
		}
		restored <- struct{}{}
	})

	m.ReportFailure(errors.New("timeout"))
	waitSignal(t, restored)
	waitSignal(t, restored)
	if !m.Online() {
		t.Error("Expected online after the second restore")
	}
}

func TestMonitor_MarkOnlineDoesNotSignal(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	var calls atomic.Int64
	m.OnRestored(func(ctx context.Context) { calls.Add(1) })

	if m.MarkOnline() {
		t.Error("MarkOnline while online should report no transition")
	}
	m.ReportFailure(errors.New("dial tcp: refused"))
	if !m.MarkOnline() || !m.Online() {
		t.Error("Expected MarkOnline to bring the monitor back online")
	}

	m.Close()
	if calls.Load() != 0 || m.Signals() != 0 {
		t.Errorf("subscribers ran %d times, signals %d; want 0", calls.Load(), m.Signals())
	}
}

func TestMonitor_ErrorStatusCountsAsReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	m := New(fastConfig(server.URL))
	defer m.Close()

	restored := make(chan struct{}, 1)
	m.OnRestored(func(ctx context.Context) { restored <- struct{}{} })

	m.ReportFailure(errors.New("reset"))
	waitSignal(t, restored)
}

func TestMonitor_NoProbeURL(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	m.ReportFailure(errors.New("refused"))
	time.Sleep(20 * time.Millisecond)
	if m.Online() {
		t.Error("Expected to stay offline without a probe url")
	}
}

func TestMonitor_SignalRunsSubscribersInline(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	var calls atomic.Int64
	m.OnRestored(func(ctx context.Context) { calls.Add(1) })
	m.OnRestored(func(ctx context.Context) { calls.Add(1) })

	m.ReportFailure(errors.New("refused"))
	m.Signal(context.Background())

	if got := calls.Load(); got != 2 {
		t.Errorf("Expected both subscribers to run, got %d calls", got)
	}
	if !m.Online() {
		t.Error("Expected Signal to mark the monitor online")
	}
}

func TestMonitor_CloseStopsProbing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer server.Close()

	m := New(fastConfig(server.URL))
	m.ReportFailure(errors.New("refused"))

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the probe loop")
	}
}
