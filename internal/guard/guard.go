// Package guard composes root resolution, classification, authorization,
// environment sanitization and process supervision into the single entry
// point through which git is ever run.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/gitguard/internal/repo"
	"github.com/jkaninda/gitguard/internal/sandbox"
	"github.com/jkaninda/gitguard/internal/security"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxTimeout     = 5 * time.Minute
	defaultGrace          = 2 * time.Second
	defaultMaxOutputBytes = 1 << 20 // 1 MB
	defaultOutputCeiling  = 8 << 20 // 8 MB
)

// Config holds gateway limits. Zero values use documented defaults.
type Config struct {
	GitPath               string        // Program to run. Default "git" (looked up in PATH).
	DefaultTimeout        time.Duration // Used when a request has no timeout. Default 30s.
	MaxTimeout            time.Duration // Upper bound for requested timeouts. Default 5m.
	Grace                 time.Duration // Interrupt-to-kill grace period. Default 2s.
	DefaultMaxOutputBytes int           // Used when a request has no output limit. Default 1 MB.
	MaxOutputBytes        int           // Upper bound for requested output limits. Default 8 MB.
	EnvPath               string        // PATH for the child. Empty = host PATH.
	EnvPassthrough        []string      // Extra host variables passed to git (e.g. SSL_CERT_FILE).
	TempDir               string        // Parent of per-call home directories. Empty = os.TempDir().
}

func (c Config) gitPath() string {
	if c.GitPath != "" {
		return c.GitPath
	}
	return "git"
}

func (c Config) defaultTimeout() time.Duration {
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return defaultTimeout
}

func (c Config) maxTimeout() time.Duration {
	if c.MaxTimeout > 0 {
		return c.MaxTimeout
	}
	return defaultMaxTimeout
}

func (c Config) grace() time.Duration {
	if c.Grace > 0 {
		return c.Grace
	}
	return defaultGrace
}

func (c Config) defaultMaxOutputBytes() int {
	if c.DefaultMaxOutputBytes > 0 {
		return c.DefaultMaxOutputBytes
	}
	return defaultMaxOutputBytes
}

func (c Config) maxOutputBytes() int {
	if c.MaxOutputBytes > 0 {
		return c.MaxOutputBytes
	}
	return defaultOutputCeiling
}

// Request is one caller request to run git.
type Request struct {
	Root    string
	Command string
	Args    []string
	// ReadOnly is the caller's write permission. Nil means read-only: a
	// mutating command runs only when the caller explicitly sent false.
	ReadOnly       *bool
	Timeout        time.Duration // Zero = gateway default. Clamped to the gateway maximum.
	MaxOutputBytes int           // Zero = gateway default. Clamped to the gateway maximum.
	CallerID       string        // Used for rate limiting and audit.
	CallID         string        // Identifies the call for cancellation. Empty = generated.
	CorrelationID  string
}

// Bool returns a pointer to b, for Request.ReadOnly.
func Bool(b bool) *bool { return &b }

func (r Request) readOnly() bool {
	return r.ReadOnly == nil || *r.ReadOnly
}

// Result is the outcome of a successful execution. A non-zero exit code or a
// timeout is still a Result.
type Result struct {
	CallID     string   `json:"call_id"`
	Root       string   `json:"root"`
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	Class      string   `json:"class"`
	Risk       string   `json:"risk"`
	ExitCode   int      `json:"exit_code"`
	Output     string   `json:"output"`
	Truncated  bool     `json:"truncated"`
	TimedOut   bool     `json:"timed_out"`
	DurationMS int64    `json:"duration_ms"`
	TotalBytes int64    `json:"total_bytes"`
}

// Executor runs git on behalf of a caller.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Limiter rejects callers that exceed their request budget.
type Limiter interface {
	Allow(key string) error
}

// Gateway is the ExecutionGateway. It is safe for concurrent use; each call
// owns its process tree and shares only read-only configuration.
type Gateway struct {
	resolver   *repo.Resolver
	classifier *security.Classifier
	sandbox    sandbox.Sandbox
	auditor    security.Auditor
	limiter    Limiter
	registry   *sandbox.Registry
	logger     *slog.Logger
	config     Config
	inflight   inflight
}

// NewGateway creates a gateway. A nil auditor disables auditing.
func NewGateway(
	resolver *repo.Resolver,
	classifier *security.Classifier,
	sbx sandbox.Sandbox,
	auditor security.Auditor,
	logger *slog.Logger,
	config Config,
) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		resolver:   resolver,
		classifier: classifier,
		sandbox:    sbx,
		auditor:    auditor,
		logger:     logger,
		config:     config,
	}
}

// WithLimiter attaches a per-caller rate limiter. Nil disables rate limiting.
func (g *Gateway) WithLimiter(l Limiter) *Gateway {
	g.limiter = l
	return g
}

// WithRegistry enables Cancel and Active through the sandbox's call registry.
func (g *Gateway) WithRegistry(r *sandbox.Registry) *Gateway {
	g.registry = r
	return g
}

// Classify exposes the classifier without executing anything.
func (g *Gateway) Classify(command string, args []string) security.Classification {
	return g.classifier.Classify(command, args)
}

// Resolve validates a repository root.
func (g *Gateway) Resolve(root string) (repo.Root, error) {
	return g.resolver.Resolve(root)
}

// Cancel aborts an in-flight call. Returns false when no such call is running.
func (g *Gateway) Cancel(callID string) bool {
	if g.registry == nil {
		return false
	}
	return g.registry.Cancel(callID)
}

// Active lists in-flight calls.
func (g *Gateway) Active() []sandbox.ActiveCall {
	if g.registry == nil {
		return nil
	}
	return g.registry.Active()
}

// Wait blocks until no Execute call is in progress, so every started
// process tree has been reaped and audited, or until ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	return g.inflight.wait(ctx)
}

// Execute validates and runs one git command.
//
// Validation (rate limit, root, classification, authorization, pathspec
// confinement) completes before any process exists. Errors are
// *security.Error values; see security.KindOf.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Result, error) {
	g.inflight.begin()
	defer g.inflight.end()

	if req.CallID == "" {
		req.CallID = uuid.New().String()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = req.CallID
	}
	readOnly := req.readOnly()
	event := security.AuditEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: req.CorrelationID,
		UserID:        req.CallerID,
		Action:        "execute",
		Root:          req.Root,
		Command:       req.Command,
		Args:          req.Args,
		Parameters:    map[string]any{"read_only": readOnly, "call_id": req.CallID},
	}

	// 1. Rate limit.
	if g.limiter != nil {
		if err := g.limiter.Allow(req.CallerID); err != nil {
			return nil, g.deny(ctx, event, security.Wrap(security.KindRateLimited, err, "too many requests"))
		}
	}

	// 2. Root. Resolved on every call.
	root, err := g.resolver.Resolve(req.Root)
	if err != nil {
		return nil, g.deny(ctx, event, err)
	}
	event.Root = root.Path

	// 3. Classify and authorize.
	cls := g.classifier.Classify(req.Command, req.Args)
	event.Class = cls.Class.String()
	event.Risk = cls.Risk.String()
	if err := security.Authorize(cls, readOnly); err != nil {
		return nil, g.deny(ctx, event, err)
	}

	// 4. Confine pathspecs after "--" to the root.
	spec := cls.Spec(g.config.gitPath())
	if err := confinePathspecs(root, spec.Args); err != nil {
		return nil, g.deny(ctx, event, err)
	}

	timeout := clampDuration(req.Timeout, g.config.defaultTimeout(), g.config.maxTimeout())
	maxOutput := clampInt(req.MaxOutputBytes, g.config.defaultMaxOutputBytes(), g.config.maxOutputBytes())
	event.Parameters["timeout_ms"] = timeout.Milliseconds()
	event.Parameters["max_output_bytes"] = maxOutput

	if err := ctx.Err(); err != nil {
		return nil, g.fail(ctx, event, security.Wrap(security.KindCancelled, err, "call cancelled before start"))
	}

	// 5. Private home for this call.
	home, err := os.MkdirTemp(g.config.TempDir, "gitguard-call-*")
	if err != nil {
		return nil, g.fail(ctx, event, security.Wrap(security.KindSpawnFailed, err, "creating call home directory"))
	}
	defer func() {
		if rmErr := os.RemoveAll(home); rmErr != nil {
			g.logger.Warn("failed to remove call home",
				slog.String("dir", home),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	env := sandbox.BuildEnv(sandbox.EnvOptions{
		Root:        root.Path,
		Home:        home,
		Path:        g.config.EnvPath,
		Passthrough: g.config.EnvPassthrough,
	})

	// 6. Run. Never retried.
	res, err := g.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:        spec.Argv(),
		WorkingDir:     root.Path,
		Env:            env,
		Timeout:        timeout,
		Grace:          g.config.grace(),
		MaxOutputBytes: maxOutput,
		CallID:         req.CallID,
	})
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrSpawn):
			return nil, g.fail(ctx, event, security.Wrap(security.KindSpawnFailed, err, "starting git"))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, g.fail(ctx, event, security.Wrap(security.KindCancelled, err, "call cancelled before start"))
		default:
			return nil, g.fail(ctx, event, security.Wrap(security.KindInternal, err, "running git"))
		}
	}

	exitCode := res.ExitCode
	event.ExitCode = &exitCode
	event.DurationMS = res.Duration.Milliseconds()
	event.Truncated = res.Truncated

	if res.Cancelled {
		return nil, g.fail(ctx, event, security.Errorf(security.KindCancelled, "git %s was cancelled after %s", req.Command, res.Duration.Round(time.Millisecond)))
	}

	result := &Result{
		CallID:     req.CallID,
		Root:       root.Path,
		Command:    req.Command,
		Args:       append([]string(nil), req.Args...),
		Class:      cls.Class.String(),
		Risk:       cls.Risk.String(),
		ExitCode:   res.ExitCode,
		Output:     string(res.Output),
		Truncated:  res.Truncated,
		TimedOut:   res.TimedOut,
		DurationMS: res.Duration.Milliseconds(),
		TotalBytes: res.TotalBytes,
	}

	switch {
	case res.TimedOut:
		event.Result = "timeout"
	case res.ExitCode != 0:
		event.Result = "failure"
	default:
		event.Result = "success"
	}
	g.audit(ctx, event)

	g.logger.Info("git executed",
		slog.String("call_id", req.CallID),
		slog.String("command", req.Command),
		slog.String("class", result.Class),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Bool("truncated", result.Truncated),
		slog.Int64("duration_ms", result.DurationMS),
	)
	return result, nil
}

// deny records a validation rejection and returns err.
func (g *Gateway) deny(ctx context.Context, event security.AuditEvent, err error) error {
	event.Result = "denied"
	event.Error = err.Error()
	g.audit(ctx, event)
	g.logger.Warn("git execution denied",
		slog.String("command", event.Command),
		slog.String("kind", string(security.KindOf(err))),
		slog.String("error", err.Error()),
	)
	return err
}

// fail records a post-validation failure and returns err.
func (g *Gateway) fail(ctx context.Context, event security.AuditEvent, err error) error {
	if security.KindOf(err) == security.KindCancelled {
		event.Result = "cancelled"
	} else {
		event.Result = "error"
	}
	event.Error = err.Error()
	g.audit(ctx, event)
	g.logger.Warn("git execution failed",
		slog.String("command", event.Command),
		slog.String("kind", string(security.KindOf(err))),
		slog.String("error", err.Error()),
	)
	return err
}

func (g *Gateway) audit(ctx context.Context, event security.AuditEvent) {
	if g.auditor == nil {
		return
	}
	// Audit outlives caller cancellation.
	if err := g.auditor.LogAction(context.WithoutCancel(ctx), event); err != nil {
		g.logger.Error("audit write failed",
			slog.String("correlation_id", event.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}

// confinePathspecs validates every argument after "--". args includes the
// subcommand at index 0.
func confinePathspecs(root repo.Root, args []string) error {
	for _, p := range security.PathspecsAfterSeparator(args) {
		if _, err := repo.Confine(root, p); err != nil {
			return err
		}
	}
	return nil
}

func clampDuration(v, def, max time.Duration) time.Duration {
	if v <= 0 {
		v = def
	}
	if v > max {
		v = max
	}
	return v
}

func clampInt(v, def, max int) int {
	if v <= 0 {
		v = def
	}
	if v > max {
		v = max
	}
	return v
}

// String renders a request for logs.
func (r Request) String() string {
	return fmt.Sprintf("git %s %q (root=%s)", r.Command, r.Args, r.Root)
}

// inflight counts running Execute calls. Calls may begin while a waiter is
// blocked.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inflight) begin() {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
}

func (f *inflight) end() {
	f.mu.Lock()
	f.n--
	if f.n == 0 && f.idle != nil {
		close(f.idle)
		f.idle = nil
	}
	f.mu.Unlock()
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	if f.idle == nil {
		f.idle = make(chan struct{})
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
