package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/config"
	"github.com/jkaninda/gitguard/internal/gateway"
	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/observability"
	"github.com/jkaninda/gitguard/internal/ratelimit"
	"github.com/jkaninda/gitguard/internal/repo"
	"github.com/jkaninda/gitguard/internal/sandbox"
	"github.com/jkaninda/gitguard/internal/scheduler"
	"github.com/jkaninda/gitguard/internal/security"
	"github.com/jkaninda/gitguard/internal/storage"
	pgstore "github.com/jkaninda/gitguard/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/gitguard/internal/storage/sqlite"
	"github.com/jkaninda/gitguard/internal/tools"
	gittools "github.com/jkaninda/gitguard/internal/tools/git"
	"github.com/jkaninda/gitguard/internal/workspace"
)

// Executor is the gateway surface the servers and tools consume. It is
// either *guard.Gateway or its instrumented wrapper.
type Executor = observability.Gateway

// Approvals is the confirmation surface, optionally instrumented.
type Approvals interface {
	observability.Approvals
	Get(ctx context.Context, id string) (*approval.Confirmation, error)
}

// SharedComponents holds every subsystem the commands need. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store
	Obs       *observability.Observability

	Rules     *security.RuleTable
	Calls     *sandbox.Registry
	Limiter   *ratelimit.Limiter
	Gateway   *guard.Gateway
	Executor  Executor
	Manager   *approval.Manager
	Approvals Approvals
	ToolReg   *tools.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// tracer returns the OTel tracer or nil when tracing is disabled.
func (sc *SharedComponents) tracer() trace.Tracer {
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		return ts.Tracer()
	}
	return nil
}

// newLogger builds the process logger. Logs always go to w (stderr in
// practice) because stdout carries MCP stdio frames and exec results.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadConfig resolves the config path from the flag, GITGUARD_CONFIG, or the
// default location, and falls back to defaults when no file exists.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("GITGUARD_CONFIG", configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.LoadOrDefault(path)
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("creating workspace directories: %w", err)
	}
	if err := ws.CleanTmp(); err != nil {
		logger.Warn("cleaning stale call homes", slog.String("error", err.Error()))
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Storage.
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Audit.
	auditor, err := initAuditor(sc, ws)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}

	// Classification rules.
	rules, err := loadRules(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Rules = rules

	// Sandbox.
	sc.Calls = sandbox.NewRegistry()
	var sbx sandbox.Sandbox = sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout: cfg.Execution.DefaultTimeout(),
		Grace:          cfg.Execution.Grace(),
		MaxOutputBytes: cfg.Execution.OutputLimit(),
		Registry:       sc.Calls,
	}, logger)
	if m := obs.MetricsOrNil(); m != nil {
		sbx = observability.NewInstrumentedSandbox(sbx, m, obs.TracerOrNil())
	}

	// Execution gateway.
	sc.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Security.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Security.RateLimit.BurstSize,
	})
	sc.Gateway = guard.NewGateway(
		repo.NewResolver(cfg.Execution.AllowedRoots),
		security.NewClassifier(rules),
		sbx,
		auditor,
		logger,
		guard.Config{
			GitPath:               cfg.Execution.Git(),
			DefaultTimeout:        cfg.Execution.DefaultTimeout(),
			MaxTimeout:            cfg.Execution.MaxTimeout(),
			Grace:                 cfg.Execution.Grace(),
			DefaultMaxOutputBytes: cfg.Execution.DefaultOutputLimit(),
			MaxOutputBytes:        cfg.Execution.OutputLimit(),
			EnvPath:               cfg.Execution.Path,
			EnvPassthrough:        cfg.Execution.EnvPassthrough,
			TempDir:               ws.TmpDir(),
		},
	).WithLimiter(sc.Limiter).WithRegistry(sc.Calls)
	sc.Executor = sc.Gateway
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		sc.Executor = observability.NewInstrumentedGateway(sc.Gateway, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	logger.Debug("execution gateway initialized",
		slog.String("git", cfg.Execution.Git()),
		slog.Any("allowed_roots", cfg.Execution.AllowedRoots),
		slog.String("default_timeout", cfg.Execution.DefaultTimeout().String()),
	)

	// Confirmation flow.
	sc.Manager = approval.NewManager(store.Confirmations(), sc.Executor, auditor, logger, approval.Config{
		TTL:       cfg.Approval.TTL(),
		Retention: cfg.Approval.Retention(),
	})
	sc.Approvals = sc.Manager
	if m := obs.MetricsOrNil(); m != nil {
		sc.Approvals = observability.NewInstrumentedApprovals(sc.Manager, m, obs.TracerOrNil())
	}
	logger.Debug("approval manager initialized", slog.String("ttl", cfg.Approval.TTL().String()))

	// Tool registry.
	sc.ToolReg = tools.NewRegistry()
	gittools.Register(sc.ToolReg, sc.Executor, sc.Approvals, logger)
	logger.Debug("tools registered", slog.Any("tools", sc.ToolReg.List()))

	// Health checks.
	if obs != nil && obs.Health != nil {
		hc := healthConfig(cfg)
		if hc.IncludeDB {
			obs.Health.AddCheck("storage", observability.PingCheck(store))
		}
		if hc.IncludeGit {
			obs.Health.AddCheck("git", observability.GitBinaryCheck(cfg.Execution.Git()))
		}
	}

	return sc, nil
}

// loadRules returns the configured rule table, or the built-in one.
func loadRules(cfg *config.Config) (*security.RuleTable, error) {
	if cfg.Security.RulesFile == "" {
		return security.DefaultRules(), nil
	}
	rules, err := security.LoadRules(cfg.Security.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	return rules, nil
}

// healthConfig returns the readiness checks to register. Both are on when
// the section is absent.
func healthConfig(cfg *config.Config) config.HealthConfig {
	if cfg.Observability != nil && cfg.Observability.Health != nil {
		return *cfg.Observability.Health
	}
	return config.HealthConfig{IncludeDB: true, IncludeGit: true}
}

// initAuditor fans audit events out to the JSONL log and the store.
func initAuditor(sc *SharedComponents, ws *workspace.Workspace) (security.Auditor, error) {
	cfg, logger := sc.Config, sc.Logger
	if cfg.Security.DisableAudit {
		logger.Warn("audit logging disabled")
		return nil, nil
	}

	path := cfg.Security.AuditLogPath
	if path == "" {
		path = ws.AuditPath()
	}
	jsonl, err := security.NewAuditLogger(path, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing audit logger: %w", err)
	}
	sc.addCleanup(func() {
		if err := jsonl.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})

	stored := security.NewStoreAuditor(sc.Store.Audit(), logger)
	logger.Debug("audit initialized", slog.String("path", path), slog.String("store", sc.Store.Driver()))
	return security.MultiAuditor{jsonl, stored}, nil
}

// initStore creates the storage backend named by the config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverMemory:
		return storage.NewMemoryStore(), nil
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DBPath()
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initScheduler registers the maintenance jobs: confirmation purge and
// idle bucket pruning for the gateway limiter plus any extra limiters.
func initScheduler(sc *SharedComponents, extra ...*ratelimit.Limiter) (*scheduler.Scheduler, error) {
	var metrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		metrics = scheduler.NewMetrics(m.Registry)
	}
	sched := scheduler.New(metrics, sc.Logger)

	if err := sched.Add("purge_confirmations", sc.Config.Approval.Schedule(), sc.Manager.Purge); err != nil {
		return nil, fmt.Errorf("scheduling confirmation purge: %w", err)
	}

	idle := sc.Config.Security.RateLimit.IdleTTL()
	limiters := []*ratelimit.Limiter{sc.Limiter}
	for _, l := range extra {
		if l != nil {
			limiters = append(limiters, l)
		}
	}
	err := sched.Add("prune_rate_limits", "@every 5m", func(ctx context.Context) error {
		pruned := 0
		for _, l := range limiters {
			pruned += l.Prune(idle)
		}
		if pruned > 0 {
			sc.Logger.DebugContext(ctx, "rate limit buckets pruned", slog.Int("count", pruned))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling rate limit pruning: %w", err)
	}
	return sched, nil
}

// apiKeys merges a configured key mapping with GITGUARD_API_KEYS, a
// comma-separated list of "sha256hex:caller" entries.
func apiKeys(configured map[string]string) gateway.APIKeys {
	keys := make(gateway.APIKeys, len(configured))
	for hash, caller := range configured {
		keys[hash] = caller
	}
	if env := os.Getenv("GITGUARD_API_KEYS"); env != "" {
		for _, entry := range strings.Split(env, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
				keys[parts[0]] = parts[1]
			}
		}
	}
	return keys
}
