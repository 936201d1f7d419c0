package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gitguard/internal/config"
	"github.com/jkaninda/gitguard/internal/gateway"
	"github.com/jkaninda/gitguard/internal/gateway/httpapi"
	"github.com/jkaninda/gitguard/internal/gateway/mcpserver"
	"github.com/jkaninda/gitguard/internal/ratelimit"
)

var (
	serveTransport string
	serveListen    string
	serveHTTPAddr  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve git tools over MCP and, optionally, the REST API",
	Long: `Start the MCP server on the configured transport (stdio by default).
When server.http.enabled is set, or --http is given, the REST API is served
alongside it. Runs until the MCP session ends or a signal arrives.`,
	RunE: runServe,
}

func init() {
	// Registered on both root and serve so `gitguard --transport sse` works.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveTransport, "transport", "", "MCP transport: stdio, sse, streamable_http")
		cmd.Flags().StringVar(&serveListen, "listen", "", "listen address for network MCP transports")
		cmd.Flags().StringVar(&serveHTTPAddr, "http", "", "enable the REST API on this address (e.g. 127.0.0.1:8080)")
	}
}

// runServe starts gitguard in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(logLevel, os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var httpLimiter *ratelimit.Limiter
	gateways := []gateway.Gateway{buildMCPServer(sc)}
	if h := cfg.Server.HTTP; h != nil && h.Enabled {
		httpLimiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: h.RateLimit.RequestsPerMinute,
			BurstSize:         h.RateLimit.BurstSize,
		})
		gateways = append(gateways, buildHTTPServer(sc, httpLimiter))
	}

	sched, err := initScheduler(sc, httpLimiter)
	if err != nil {
		return err
	}
	cancelScheduler := sched.Start(ctx)
	defer cancelScheduler()

	logger.Info("gitguard started",
		slog.String("version", version),
		slog.String("listeners", serveSummary(cfg)),
		slog.String("storage", sc.Store.Driver()),
	)

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for a signal or the first gateway to exit. A stdio session ends
	// cleanly when the client closes stdin.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		} else {
			logger.Info("gateway exited")
		}
	}

	drainCalls(sc)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	// Calls accepted while the gateways were stopping.
	drainCalls(sc)
	return nil
}

// drainCalls cancels in-flight git calls and waits until their process
// trees are reaped and audited. The wait is bounded by twice the grace
// period plus one second; the store must stay open until it returns.
func drainCalls(sc *SharedComponents) error {
	n := sc.Calls.CancelAll()
	if n > 0 {
		sc.Logger.Info("cancelled in-flight executions", slog.Int("count", n))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*sc.Config.Execution.Grace()+time.Second)
	defer cancel()
	if err := sc.Gateway.Wait(ctx); err != nil {
		sc.Logger.Error("in-flight executions did not finish",
			slog.Int("remaining", sc.Calls.Len()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func applyServeFlags(cfg *config.Config) {
	if serveTransport != "" {
		cfg.Server.Transport = serveTransport
	}
	if serveListen != "" {
		cfg.Server.ListenAddr = serveListen
	}
	if serveHTTPAddr != "" {
		if cfg.Server.HTTP == nil {
			cfg.Server.HTTP = &config.HTTPServerConfig{}
		}
		cfg.Server.HTTP.Enabled = true
		cfg.Server.HTTP.ListenAddr = serveHTTPAddr
	}
}

func buildMCPServer(sc *SharedComponents) *mcpserver.Server {
	cfg := sc.Config.Server
	return mcpserver.New(sc.ToolReg, sc.Logger, mcpserver.Config{
		Name:         "gitguard",
		Version:      version,
		Instructions: cfg.Instructions,
		Transport:    cfg.MCPTransport(),
		ListenAddr:   cfg.MCPListenAddr(),
		APIKeys:      apiKeys(cfg.APIKeys),
		Metrics:      sc.Obs.MetricsOrNil(),
		Tracer:       sc.tracer(),
	})
}

func buildHTTPServer(sc *SharedComponents, limiter *ratelimit.Limiter) *httpapi.Server {
	h := sc.Config.Server.HTTP
	httpCfg := httpapi.Config{
		ListenAddr:     h.Addr(),
		EnableDocs:     h.EnableDocs,
		Version:        version,
		APIKeys:        apiKeys(h.APIKeyUserMapping),
		MaxRequestSize: h.MaxBody(),
		Tracer:         sc.tracer(),
	}
	if sc.Obs != nil {
		httpCfg.HealthChecker = sc.Obs.Health
		if m := sc.Obs.Metrics; m != nil {
			httpCfg.Metrics = m
			httpCfg.MetricsRegistry = m.Registry
		}
		if o := sc.Config.Observability; o != nil && o.Metrics != nil {
			httpCfg.MetricsPath = o.Metrics.Path
		}
	}
	if len(httpCfg.APIKeys) == 0 {
		sc.Logger.Warn("REST API has no API keys configured; all callers are anonymous",
			slog.String("listen_addr", httpCfg.ListenAddr),
		)
	}
	return httpapi.New(httpCfg, sc.Executor, sc.Approvals, sc.ToolReg, limiter, sc.Logger)
}

// serveSummary describes what serve listens on.
func serveSummary(cfg *config.Config) string {
	s := fmt.Sprintf("mcp=%s", cfg.Server.MCPTransport())
	if cfg.Server.MCPTransport() != mcpserver.TransportStdio {
		s += "@" + cfg.Server.MCPListenAddr()
	}
	if cfg.Server.HTTP != nil && cfg.Server.HTTP.Enabled {
		s += " http@" + cfg.Server.HTTP.Addr()
	}
	return s
}
