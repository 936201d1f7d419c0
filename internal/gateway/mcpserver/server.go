// Package mcpserver exposes the gitguard tool registry as an MCP server
// over stdio, SSE, or streamable HTTP.
//
// Every registered tool becomes an MCP tool with its JSON Schema and a
// read-only annotation. Failures are returned as tool errors whose text is
// a JSON object {"error":{"kind":...,"message":...}}, so clients can branch
// on the error kind without parsing prose.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/gitguard/internal/gateway"
	"github.com/jkaninda/gitguard/internal/observability"
	"github.com/jkaninda/gitguard/internal/security"
	"github.com/jkaninda/gitguard/internal/tools"
)

// Transport names.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
)

// StdioCallerID identifies the single client of a stdio session.
const StdioCallerID = "mcp:stdio"

const defaultInstructions = "gitguard runs git commands inside a guardrail. " +
	"Every call names a repository root. Commands run read-only unless read_only is false; " +
	"history-rewriting or destructive commands should go through git_propose and git_confirm."

// Config configures the MCP server.
type Config struct {
	Name         string // Default: "gitguard".
	Version      string
	Instructions string // Appended to the built-in instructions.
	Transport    string // "stdio" (default), "sse" or "streamable_http".
	ListenAddr   string // For network transports.
	APIKeys      gateway.APIKeys

	Metrics *observability.MetricsCollector
	Tracer  trace.Tracer
}

// Server is the MCP gateway.
type Server struct {
	config   Config
	registry *tools.Registry
	mcp      *server.MCPServer
	logger   *slog.Logger
	http     *http.Server
}

var _ gateway.Gateway = (*Server)(nil)

// New creates an MCP server exposing every tool in registry.
func New(registry *tools.Registry, logger *slog.Logger, cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "gitguard"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}
	instructions := defaultInstructions
	if cfg.Instructions != "" {
		instructions += "\n\n" + cfg.Instructions
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		logger:   logger,
		mcp: server.NewMCPServer(cfg.Name, cfg.Version,
			server.WithToolCapabilities(false),
			server.WithInstructions(instructions),
			server.WithRecovery(),
		),
	}
	for _, t := range registry.All() {
		s.mcp.AddTool(toMCPTool(t), s.handler(t.Name()))
	}
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// toMCPTool converts a registry tool into its MCP definition.
func toMCPTool(t tools.Tool) mcp.Tool {
	schema, err := json.Marshal(t.InputSchema())
	if err != nil {
		schema = []byte(`{"type":"object"}`)
	}
	tool := mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema)
	tool.Annotations.ReadOnlyHint = mcp.ToBoolPtr(t.ReadOnly())
	tool.Annotations.DestructiveHint = mcp.ToBoolPtr(!t.ReadOnly())
	tool.Annotations.OpenWorldHint = mcp.ToBoolPtr(false)
	return tool
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller := tools.CallerIDFromContext(ctx)
		if caller == "" {
			caller = sessionCaller(ctx)
			ctx = tools.ContextWithCallerID(ctx, caller)
		}
		start := time.Now()

		res, err := s.registry.Run(ctx, name, req.GetArguments())
		if err != nil {
			kind := security.KindOf(err)
			s.logger.WarnContext(ctx, "mcp tool failed",
				slog.String("tool", name),
				slog.String("caller_id", caller),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(ErrorJSON(err)), nil
		}

		body, err := json.Marshal(res)
		if err != nil {
			return mcp.NewToolResultError(ErrorJSON(security.Wrap(security.KindInternal, err, "encoding result"))), nil
		}
		s.logger.InfoContext(ctx, "mcp tool completed",
			slog.String("tool", name),
			slog.String("caller_id", caller),
			slog.Bool("success", res.Success),
			slog.Duration("duration", time.Since(start)),
		)
		return mcp.NewToolResultText(string(body)), nil
	}
}

// sessionCaller derives a caller ID from the MCP session.
func sessionCaller(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil && session.SessionID() != "" {
		return "mcp:" + session.SessionID()
	}
	return StdioCallerID
}

// errorBody is the JSON error envelope shared with the REST API.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    security.Kind `json:"kind"`
	Message string        `json:"message"`
}

// ErrorJSON renders err as {"error":{"kind":...,"message":...}}.
func ErrorJSON(err error) string {
	body, _ := json.Marshal(errorBody{Error: errorDetail{
		Kind:    security.KindOf(err),
		Message: security.MessageOf(err),
	}})
	return string(body)
}

// Start serves the configured transport until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	switch s.config.Transport {
	case TransportStdio:
		return s.ServeStdio(ctx, os.Stdin, os.Stdout)
	case TransportSSE, TransportStreamableHTTP:
		return s.serveHTTP(ctx)
	default:
		return fmt.Errorf("unsupported MCP transport %q", s.config.Transport)
	}
}

// ServeStdio serves a single client over in/out until ctx is canceled or
// in reaches EOF.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server starting", slog.String("transport", TransportStdio))
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return tools.ContextWithCallerID(ctx, StdioCallerID)
	})
	err := stdio.Listen(ctx, in, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Handler returns the HTTP handler for the configured network transport,
// with authentication and request metrics applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler
	if s.config.Transport == TransportSSE {
		h = server.NewSSEServer(s.mcp, server.WithSSEContextFunc(s.httpContext))
	} else {
		mux := http.NewServeMux()
		mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcp, server.WithHTTPContextFunc(s.httpContext)))
		h = mux
	}
	h = s.authenticate(h)
	if s.config.Metrics != nil || s.config.Tracer != nil {
		h = observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, h)
	}
	return h
}

// httpContext attaches the authenticated caller to each MCP request.
func (s *Server) httpContext(ctx context.Context, r *http.Request) context.Context {
	if caller, ok := s.config.APIKeys.Caller(r.Header.Get("Authorization")); ok {
		return tools.ContextWithCallerID(ctx, caller)
	}
	return ctx
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if !s.config.APIKeys.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.config.APIKeys.Caller(r.Header.Get("Authorization")); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"kind":"unauthorized","message":"missing or invalid API key"}}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveHTTP(ctx context.Context) error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8765"
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.logger.Info("mcp server starting",
		slog.String("transport", s.config.Transport),
		slog.String("addr", addr),
		slog.Bool("auth", s.config.APIKeys.Enabled()),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop shuts down a network transport. Stdio sessions end with their context.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("mcp server stopping")
	return s.http.Shutdown(ctx)
}
