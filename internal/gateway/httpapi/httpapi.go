// Package httpapi implements the REST API for gitguard.
//
// Security:
//   - Bearer API keys, stored as SHA-256 digests and compared in constant time
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket, on top of the gateway's own
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
//
// Every failure uses one envelope: {"error":{"kind":"...","message":"..."}}.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/gateway"
	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/observability"
	"github.com/jkaninda/gitguard/internal/ratelimit"
	"github.com/jkaninda/gitguard/internal/sandbox"
	"github.com/jkaninda/gitguard/internal/security"
	"github.com/jkaninda/gitguard/internal/tools"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Config configures the REST API.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:8080"
	EnableDocs     bool
	Version        string
	APIKeys        gateway.APIKeys // SHA-256 hex of API key → caller ID.
	MaxRequestSize int64           // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Executor is the execution gateway as seen by the REST API.
type Executor interface {
	guard.Executor
	Classify(command string, args []string) security.Classification
	Cancel(callID string) bool
	Active() []sandbox.ActiveCall
}

// Approvals is the propose/confirm flow. Get is optional: when the
// implementation lacks it, GET /v1/proposals/{id} is not mounted.
type Approvals interface {
	Propose(ctx context.Context, req approval.ProposeRequest) (*approval.Confirmation, error)
	Confirm(ctx context.Context, req approval.ConfirmRequest) (*guard.Result, error)
}

type proposalGetter interface {
	Get(ctx context.Context, id string) (*approval.Confirmation, error)
}

// Server is the REST API gateway.
type Server struct {
	config    Config
	executor  Executor
	approvals Approvals // nil = proposal endpoints disabled.
	getter    proposalGetter
	registry  *tools.Registry // nil = tool endpoints disabled.
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Server)(nil)

// New creates the REST API. approvals, registry, and limiter may be nil.
func New(cfg Config, executor Executor, approvals Approvals, registry *tools.Registry, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	s := &Server{
		config:    cfg,
		executor:  executor,
		approvals: approvals,
		registry:  registry,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
	if g, ok := approvals.(proposalGetter); ok {
		s.getter = g
	}
	s.routes()
	return s
}

// Handler returns the API as an http.Handler.
func (s *Server) Handler() http.Handler { return s.okapi }

func (s *Server) routes() {
	limit := s.config.MaxRequestSize
	s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	})
	// Metrics/tracing middleware (applied globally).
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	s.group = s.okapi.Group("/v1", s.authenticate)

	s.group.Post("/execute", s.handleExecute,
		okapi.DocSummary("Run one git command through the guardrail"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(guard.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	s.group.Post("/execute/stream", s.handleExecuteStream,
		okapi.DocSummary("Run one git command and stream its lifecycle via SSE"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	s.group.Get("/executions", s.handleActive,
		okapi.DocSummary("List in-flight git executions"),
		okapi.DocTags("Execution"),
		okapi.DocResponse([]sandbox.ActiveCall{}),
	)
	s.group.Delete("/executions/{id}", s.handleCancel,
		okapi.DocSummary("Cancel an in-flight execution"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "call_id of the execution"),
		okapi.DocResponse(CancelResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Post("/classify", s.handleClassify,
		okapi.DocSummary("Classify a git command without running it"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ClassifyRequest{}),
		okapi.DocResponse(security.Classification{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Proposal endpoints (only if an approval manager is configured).
	if s.approvals != nil {
		s.group.Post("/proposals", s.handlePropose,
			okapi.DocSummary("Propose a git command for human confirmation"),
			okapi.DocTags("Approval"),
			okapi.DocRequestBody(ProposeRequest{}),
			okapi.DocResponse(http.StatusCreated, ProposalResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		)
		if s.getter != nil {
			s.group.Get("/proposals/{id}", s.handleGetProposal,
				okapi.DocSummary("Get a proposal by ID"),
				okapi.DocTags("Approval"),
				okapi.DocPathParam("id", "string", "Confirmation ID"),
				okapi.DocResponse(approval.Confirmation{}),
				okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			)
		}
		s.group.Post("/proposals/{id}/confirm", s.handleConfirm,
			okapi.DocSummary("Confirm and run a proposed command once"),
			okapi.DocTags("Approval"),
			okapi.DocPathParam("id", "string", "Confirmation ID"),
			okapi.DocRequestBody(ConfirmRequest{}),
			okapi.DocResponse(guard.Result{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusGone, ErrorBody{}),
		)
	}

	// Tool endpoints (only if a tool registry is configured).
	if s.registry != nil {
		s.group.Get("/tools", s.handleListTools,
			okapi.DocSummary("List available tools"),
			okapi.DocTags("Tools"),
			okapi.DocResponse([]ToolInfo{}),
		)
		s.group.Post("/tools/{name}", s.handleRunTool,
			okapi.DocSummary("Run a tool by name"),
			okapi.DocTags("Tools"),
			okapi.DocPathParam("name", "string", "Tool name, e.g. status"),
			okapi.DocResponse(tools.Result{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "gitguard",
			Version: s.config.Version,
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // Long enough for the slowest permitted git call.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting",
		slog.String("addr", s.config.ListenAddr),
		slog.Bool("auth", s.config.APIKeys.Enabled()),
	)
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Authentication ---

// authenticate resolves the bearer key to a caller ID and applies the
// per-caller rate limit. With no keys configured every request is
// accepted as the "anonymous" caller.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		callerID := "anonymous"
		if s.config.APIKeys.Enabled() {
			id, ok := s.config.APIKeys.Caller(c.Header("Authorization"))
			if !ok {
				return c.JSON(http.StatusUnauthorized, errorBody("unauthorized", "missing or invalid API key"))
			}
			callerID = id
		}
		if s.limiter != nil {
			if err := s.limiter.Allow(callerID); err != nil {
				if wait := ratelimit.RetryAfter(err); wait > 0 {
					c.SetHeader("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				}
				return writeError(c, security.Wrap(security.KindRateLimited, err, "too many requests for "+callerID))
			}
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// requestContext returns the request context carrying the caller ID.
func requestContext(c *okapi.Context) (context.Context, string) {
	callerID := c.GetString("callerID")
	return tools.ContextWithCallerID(c.Context(), callerID), callerID
}

// correlationID returns the caller's X-Correlation-ID or a fresh one.
func correlationID(c *okapi.Context) string {
	if id := c.Header("X-Correlation-ID"); id != "" && len(id) <= 64 {
		return id
	}
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
