package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/config"
	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/repo"
	"github.com/jkaninda/gitguard/internal/sandbox"
	"github.com/jkaninda/gitguard/internal/security"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if obs.MetricsOrNil() == nil || obs.AnomalyOrNil() == nil {
		t.Error("expected metrics and anomaly detector")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
}

func TestTracerSetup_NilTracer(t *testing.T) {
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should return a no-op tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil || m.Registry == nil {
		t.Fatal("expected collector with registry")
	}

	// Vectors only appear in Gather after first use.
	m.ExecutionsTotal.WithLabelValues("status", "read_only", "success").Inc()
	m.RejectionsTotal.WithLabelValues("write_not_permitted").Inc()
	m.SandboxExecutionsTotal.WithLabelValues("completed").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"gitguard_exec_total",
		"gitguard_exec_rejections_total",
		"gitguard_sandbox_executions_total",
		"gitguard_http_requests_total",
		"gitguard_active_executions",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return nil })
	h.AddCheck("git", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["db"].Status != "ok" {
		t.Errorf("db check = %q, want ok", status.Checks["db"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", PingCheck(pingerFunc(func(context.Context) error { return errors.New("connection refused") })))
	h.AddCheck("git", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %q, want fail", status.Checks["db"].Status)
	}
	if status.Checks["git"].Status != "ok" {
		t.Errorf("git check = %q, want ok", status.Checks["git"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

func TestGitBinaryCheck_Missing(t *testing.T) {
	check := GitBinaryCheck("/nonexistent/bin/git-does-not-exist")
	if err := check(context.Background()); err == nil {
		t.Error("expected error for missing git binary")
	}
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("status")
	a.RecordSuccess("status")
	a.RecordTimeout("status")
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("log")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("log")
	}

	errRate, timeoutRate := a.rates("log")
	if errRate != 0.6 {
		t.Errorf("error rate = %v, want 0.6", errRate)
	}
	if timeoutRate != 0 {
		t.Errorf("timeout rate = %v, want 0", timeoutRate)
	}
	if e, _ := a.rates("status"); e != 0 {
		t.Errorf("unrelated command rate = %v, want 0", e)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{WindowSeconds: 60}, nil)
	a.now = func() time.Time { return now }

	a.RecordError("fetch")
	a.RecordSuccess("fetch")
	a.RecordTimeout("fetch")
	if e, to := a.rates("fetch"); e != 0.5 || to != 0.5 {
		t.Fatalf("rates = %v/%v, want 0.5/0.5", e, to)
	}

	now = now.Add(2 * time.Minute)
	if e, to := a.rates("fetch"); e != 0 || to != 0 {
		t.Errorf("rates after window = %v/%v, want 0/0", e, to)
	}
}

// --- InstrumentedGateway (wrapper) ---

type mockGateway struct {
	result *guard.Result
	err    error
	called int
}

func (m *mockGateway) Execute(ctx context.Context, req guard.Request) (*guard.Result, error) {
	m.called++
	return m.result, m.err
}

func (m *mockGateway) Classify(command string, args []string) security.Classification {
	return security.Classification{Command: command}
}

func (m *mockGateway) Resolve(root string) (repo.Root, error) { return repo.Root{Path: root}, nil }
func (m *mockGateway) Cancel(callID string) bool              { return callID == "known" }
func (m *mockGateway) Active() []sandbox.ActiveCall           { return nil }

func TestInstrumentedGateway_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockGateway{result: &guard.Result{Command: "status", Class: "read_only", TotalBytes: 42}}

	g := NewInstrumentedGateway(inner, metrics, nil, nil)
	res, err := g.Execute(context.Background(), guard.Request{Root: "/r", Command: "status"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalBytes != 42 || inner.called != 1 {
		t.Errorf("result = %+v, called = %d", res, inner.called)
	}

	val := counterValue(t, metrics.Registry, "gitguard_exec_total", prometheus.Labels{"command": "status", "class": "read_only", "outcome": "success"})
	if val != 1 {
		t.Errorf("exec_total = %v, want 1", val)
	}
}

func TestInstrumentedGateway_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		result  *guard.Result
		outcome string
	}{
		{"timeout", &guard.Result{Class: "read_only", ExitCode: 124, TimedOut: true}, "timeout"},
		{"nonzero", &guard.Result{Class: "read_only", ExitCode: 128}, "nonzero_exit"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			anomaly := NewAnomalyDetector(&config.AnomalyConfig{}, nil)
			g := NewInstrumentedGateway(&mockGateway{result: tc.result}, metrics, nil, anomaly)
			if _, err := g.Execute(context.Background(), guard.Request{Command: "log"}); err != nil {
				t.Fatal(err)
			}
			val := counterValue(t, metrics.Registry, "gitguard_exec_total", prometheus.Labels{"command": "log", "outcome": tc.outcome})
			if val != 1 {
				t.Errorf("exec_total{outcome=%s} = %v, want 1", tc.outcome, val)
			}
		})
	}
}

func TestInstrumentedGateway_Rejection(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockGateway{err: security.Errorf(security.KindWriteNotPermitted, "commit is mutating")}

	g := NewInstrumentedGateway(inner, metrics, nil, nil)
	_, err := g.Execute(context.Background(), guard.Request{Command: "commit"})
	if !errors.Is(err, security.ErrWriteNotPermitted) {
		t.Fatalf("err = %v, want ErrWriteNotPermitted", err)
	}

	val := counterValue(t, metrics.Registry, "gitguard_exec_rejections_total", prometheus.Labels{"kind": "write_not_permitted"})
	if val != 1 {
		t.Errorf("rejections_total = %v, want 1", val)
	}
}

func TestInstrumentedGateway_NilMetrics(t *testing.T) {
	inner := &mockGateway{result: &guard.Result{Output: "ok"}}
	g := NewInstrumentedGateway(inner, nil, nil, nil)
	res, err := g.Execute(context.Background(), guard.Request{Command: "status"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("output = %q, want ok", res.Output)
	}
	if !g.Cancel("known") || g.Cancel("other") {
		t.Error("Cancel should forward to the inner gateway")
	}
}

// --- InstrumentedSandbox (wrapper) ---

type mockSandbox struct {
	result *sandbox.ExecutionResult
	err    error
}

func (m *mockSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return m.result, m.err
}

func TestInstrumentedSandbox_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockSandbox{
		result: &sandbox.ExecutionResult{ExitCode: 0, Duration: 100 * time.Millisecond, Outcome: sandbox.StateCompleted},
	}

	s := NewInstrumentedSandbox(inner, metrics, nil)
	result, err := s.Execute(context.Background(), sandbox.ExecutionRequest{Command: []string{"git", "status"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}

	val := counterValue(t, metrics.Registry, "gitguard_sandbox_executions_total", prometheus.Labels{"outcome": "completed"})
	if val != 1 {
		t.Errorf("sandbox executions = %v, want 1", val)
	}
}

func TestInstrumentedSandbox_SpawnError(t *testing.T) {
	metrics := NewMetricsCollector()
	s := NewInstrumentedSandbox(&mockSandbox{err: sandbox.ErrSpawn}, metrics, nil)
	if _, err := s.Execute(context.Background(), sandbox.ExecutionRequest{}); !errors.Is(err, sandbox.ErrSpawn) {
		t.Fatalf("err = %v", err)
	}
	val := counterValue(t, metrics.Registry, "gitguard_sandbox_executions_total", prometheus.Labels{"outcome": "error"})
	if val != 1 {
		t.Errorf("sandbox errors = %v, want 1", val)
	}
}

// --- InstrumentedApprovals (wrapper) ---

type mockApprovals struct {
	confirmErr error
}

func (m *mockApprovals) Propose(ctx context.Context, req approval.ProposeRequest) (*approval.Confirmation, error) {
	return &approval.Confirmation{ID: "abc", Command: req.Command}, nil
}

func (m *mockApprovals) Confirm(ctx context.Context, req approval.ConfirmRequest) (*guard.Result, error) {
	if m.confirmErr != nil {
		return nil, m.confirmErr
	}
	return &guard.Result{}, nil
}

func TestInstrumentedApprovals(t *testing.T) {
	metrics := NewMetricsCollector()
	a := NewInstrumentedApprovals(&mockApprovals{
		confirmErr: security.Wrap(security.KindConfirmation, approval.ErrExpired, "confirmation expired"),
	}, metrics, nil)

	if _, err := a.Propose(context.Background(), approval.ProposeRequest{Command: "commit"}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Confirm(context.Background(), approval.ConfirmRequest{ID: "abc"}); err == nil {
		t.Fatal("expected confirm error")
	}

	if v := counterValue(t, metrics.Registry, "gitguard_approval_total", prometheus.Labels{"operation": "propose", "result": "ok"}); v != 1 {
		t.Errorf("propose ok = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "gitguard_approval_total", prometheus.Labels{"operation": "confirm", "result": "confirmation_failed"}); v != 1 {
		t.Errorf("confirm failed = %v, want 1", v)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("DELETE", "/v1/executions/3f2a", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "gitguard_http_requests_total", prometheus.Labels{"method": "DELETE", "path": "/v1/executions/{id}", "status_code": "202"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/execute":                "/v1/execute",
		"/v1/executions/abc":         "/v1/executions/{id}",
		"/v1/proposals/0123/confirm": "/v1/proposals/{id}/confirm",
		"/v1/proposals":              "/v1/proposals",
		"/healthz":                   "/healthz",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
