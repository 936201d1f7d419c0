package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/repo"
	"github.com/jkaninda/gitguard/internal/sandbox"
	"github.com/jkaninda/gitguard/internal/security"
)

// --- InstrumentedGateway ---

// Gateway is the execution surface InstrumentedGateway decorates.
// *guard.Gateway satisfies it.
type Gateway interface {
	guard.Executor
	Classify(command string, args []string) security.Classification
	Resolve(root string) (repo.Root, error)
	Cancel(callID string) bool
	Active() []sandbox.ActiveCall
}

// InstrumentedGateway wraps a Gateway with metrics, tracing, and anomaly detection.
type InstrumentedGateway struct {
	inner   Gateway
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedGateway wraps a gateway with observability.
func NewInstrumentedGateway(inner Gateway, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedGateway {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedGateway{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (g *InstrumentedGateway) Classify(command string, args []string) security.Classification {
	return g.inner.Classify(command, args)
}

func (g *InstrumentedGateway) Resolve(root string) (repo.Root, error) {
	return g.inner.Resolve(root)
}

func (g *InstrumentedGateway) Cancel(callID string) bool { return g.inner.Cancel(callID) }

func (g *InstrumentedGateway) Active() []sandbox.ActiveCall { return g.inner.Active() }

func (g *InstrumentedGateway) Execute(ctx context.Context, req guard.Request) (*guard.Result, error) {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "guard.execute",
			trace.WithAttributes(
				attribute.String("git.command", req.Command),
				attribute.String("git.root", req.Root),
				attribute.String("gitguard.caller_id", req.CallerID),
			))
		defer span.End()
	}

	if g.metrics != nil {
		g.metrics.ActiveExecutions.Inc()
		defer g.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	result, err := g.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	if err != nil {
		kind := security.KindOf(err)
		if g.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.String("gitguard.error_kind", string(kind)))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if g.metrics != nil {
			g.metrics.RejectionsTotal.WithLabelValues(string(kind)).Inc()
		}
		g.anomaly.RecordError(req.Command)
		return nil, err
	}

	outcome := outcomeOf(result)
	if g.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("git.class", result.Class),
			attribute.Int("git.exit_code", result.ExitCode),
			attribute.Bool("git.truncated", result.Truncated),
			attribute.Bool("git.timed_out", result.TimedOut),
		)
	}
	if g.metrics != nil {
		g.metrics.ExecutionsTotal.WithLabelValues(req.Command, result.Class, outcome).Inc()
		g.metrics.ExecutionDuration.WithLabelValues(req.Command).Observe(duration)
		g.metrics.OutputBytes.WithLabelValues(req.Command).Observe(float64(result.TotalBytes))
	}
	g.anomaly.RecordSuccess(req.Command)
	if result.TimedOut {
		g.anomaly.RecordTimeout(req.Command)
	}
	return result, nil
}

// outcomeOf labels a completed execution for metrics.
func outcomeOf(r *guard.Result) string {
	switch {
	case r.TimedOut:
		return "timeout"
	case r.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.call_id", req.CallID),
				attribute.Int("sandbox.max_output_bytes", req.MaxOutputBytes),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	outcome := "error"
	if err != nil {
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		outcome = result.Outcome.String()
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(
				attribute.Int("sandbox.exit_code", result.ExitCode),
				attribute.String("sandbox.outcome", outcome),
			)
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(outcome).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(outcome).Observe(duration)
	}

	return result, err
}

// --- InstrumentedApprovals ---

// Approvals is the propose/confirm surface InstrumentedApprovals decorates.
// *approval.Manager satisfies it.
type Approvals interface {
	Propose(ctx context.Context, req approval.ProposeRequest) (*approval.Confirmation, error)
	Confirm(ctx context.Context, req approval.ConfirmRequest) (*guard.Result, error)
}

// InstrumentedApprovals wraps Approvals with metrics and tracing.
type InstrumentedApprovals struct {
	inner   Approvals
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedApprovals wraps an approval manager with observability.
func NewInstrumentedApprovals(inner Approvals, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedApprovals {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedApprovals{inner: inner, metrics: metrics, tracer: tracer}
}

func (a *InstrumentedApprovals) Propose(ctx context.Context, req approval.ProposeRequest) (*approval.Confirmation, error) {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "approval.propose",
			trace.WithAttributes(attribute.String("git.command", req.Command)))
		defer span.End()
	}
	c, err := a.inner.Propose(ctx, req)
	a.record(ctx, "propose", err)
	return c, err
}

func (a *InstrumentedApprovals) Confirm(ctx context.Context, req approval.ConfirmRequest) (*guard.Result, error) {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "approval.confirm",
			trace.WithAttributes(attribute.String("gitguard.confirmation_id", req.ID)))
		defer span.End()
	}
	res, err := a.inner.Confirm(ctx, req)
	a.record(ctx, "confirm", err)
	return res, err
}

// Get looks up a proposal without recording metrics. It reports
// approval.ErrNotFound when the wrapped manager cannot look proposals up.
func (a *InstrumentedApprovals) Get(ctx context.Context, id string) (*approval.Confirmation, error) {
	g, ok := a.inner.(interface {
		Get(ctx context.Context, id string) (*approval.Confirmation, error)
	})
	if !ok {
		return nil, security.Wrap(security.KindConfirmation, approval.ErrNotFound, "proposal lookup is not available")
	}
	return g.Get(ctx, id)
}

func (a *InstrumentedApprovals) record(ctx context.Context, op string, err error) {
	result := "ok"
	if err != nil {
		result = string(security.KindOf(err))
		if a.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if a.metrics != nil {
		a.metrics.ConfirmationsTotal.WithLabelValues(op, result).Inc()
	}
}

// --- Compile-time interface checks ---

var (
	_ Gateway          = (*guard.Gateway)(nil)
	_ Gateway          = (*InstrumentedGateway)(nil)
	_ approval.Gateway = (*InstrumentedGateway)(nil)
	_ sandbox.Sandbox  = (*InstrumentedSandbox)(nil)
	_ Approvals        = (*approval.Manager)(nil)
	_ Approvals        = (*InstrumentedApprovals)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
