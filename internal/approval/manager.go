package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/security"
)

// Config configures the confirmation flow.
type Config struct {
	TTL       time.Duration // How long a proposal stays confirmable. Default 30m.
	Retention time.Duration // How long finished proposals are kept. Default 24h.
}

func (c Config) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return 30 * time.Minute
}

func (c Config) retention() time.Duration {
	if c.Retention > 0 {
		return c.Retention
	}
	return 24 * time.Hour
}

// ProposeRequest describes a command the caller wants to run later.
type ProposeRequest struct {
	Root           string
	Command        string
	Args           []string
	ExpectedBranch string // Empty = any branch.
	RequireClean   bool
	CallerID       string
}

// ConfirmRequest carries the caller's confirmation.
type ConfirmRequest struct {
	Root     string
	ID       string
	Phrase   string
	CallerID string
	Timeout  time.Duration
}

// Manager runs the propose/confirm flow on top of the execution gateway.
// Every git invocation it makes, including precondition checks, goes through
// the gateway.
type Manager struct {
	store   Store
	gateway Gateway
	auditor security.Auditor
	logger  *slog.Logger
	config  Config
	now     func() time.Time
}

// NewManager creates a confirmation manager. A nil auditor disables auditing.
func NewManager(store Store, gateway Gateway, auditor security.Auditor, logger *slog.Logger, config Config) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:   store,
		gateway: gateway,
		auditor: auditor,
		logger:  logger,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Propose records a one-time confirmation for a command. Nothing is executed
// except read-only inspection of HEAD.
func (m *Manager) Propose(ctx context.Context, req ProposeRequest) (*Confirmation, error) {
	root, err := m.gateway.Resolve(req.Root)
	if err != nil {
		return nil, err
	}

	cls := m.gateway.Classify(req.Command, req.Args)
	if cls.Class == security.ClassUnsupported {
		return nil, security.Errorf(security.KindUnsupportedCommand, "git %s: %s", req.Command, cls.Reason)
	}

	head, err := m.readHead(ctx, root.Path, req.CallerID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	argv := append([]string{req.Command}, req.Args...)
	c := &Confirmation{
		ID:          NewID(root.Path, now, argv),
		Root:        root.Path,
		Command:     req.Command,
		Args:        append([]string(nil), req.Args...),
		Class:       cls.Class.String(),
		Risk:        cls.Risk.String(),
		Reason:      cls.Reason,
		CommandHash: CommandHash(argv),
		CallerID:    req.CallerID,
		Preconditions: Preconditions{
			ExpectedHead:       head,
			ExpectedBranch:     req.ExpectedBranch,
			RequireClean:       req.RequireClean,
			RequireNoConflicts: true,
		},
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.config.ttl()),
	}
	if err := m.store.Put(ctx, c); err != nil {
		return nil, fmt.Errorf("storing confirmation: %w", err)
	}

	m.audit(ctx, c, req.CallerID, "propose", "proposed", nil, nil)
	m.logger.Info("confirmation proposed",
		slog.String("confirmation_id", c.ID),
		slog.String("root", c.Root),
		slog.String("command", c.Command),
		slog.String("class", c.Class),
		slog.String("risk", c.Risk),
	)
	return c, nil
}

// Confirm executes a proposed command once. The phrase must be exactly
// "I CONFIRM <id>" (surrounding whitespace ignored) and every precondition
// must still hold. Confirmation errors are *security.Error values of kind
// KindConfirmation wrapping ErrNotFound, ErrExpired and friends.
func (m *Manager) Confirm(ctx context.Context, req ConfirmRequest) (*guard.Result, error) {
	c, err := m.store.Get(ctx, req.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, reject(err, "unknown confirmation_id %q", req.ID)
		}
		return nil, fmt.Errorf("loading confirmation: %w", err)
	}

	root, err := m.gateway.Resolve(req.Root)
	if err != nil {
		return nil, err
	}
	if root.Path != c.Root {
		return nil, m.refuse(ctx, c, req.CallerID, reject(ErrRootMismatch, "confirmation was proposed for %s", c.Root))
	}

	switch {
	case c.Status == StatusExecuted:
		return nil, m.refuse(ctx, c, req.CallerID, reject(ErrAlreadyUsed, "confirmation %s was already used", c.ID))
	case c.Expired(m.now()):
		return nil, m.refuse(ctx, c, req.CallerID, reject(ErrExpired, "confirmation %s expired at %s", c.ID, c.ExpiresAt.Format(time.RFC3339)))
	}

	if strings.TrimSpace(req.Phrase) != c.Phrase() {
		return nil, m.refuse(ctx, c, req.CallerID, reject(ErrInvalidPhrase, "use: %s", c.Phrase()))
	}
	if CommandHash(c.Argv()) != c.CommandHash {
		return nil, m.refuse(ctx, c, req.CallerID, reject(ErrHashMismatch, "stored command does not match its hash"))
	}

	if err := m.checkPreconditions(ctx, c, req.CallerID); err != nil {
		return nil, m.refuse(ctx, c, req.CallerID, err)
	}

	if err := m.store.Claim(ctx, c.ID, m.now()); err != nil {
		if errors.Is(err, ErrAlreadyUsed) || errors.Is(err, ErrExpired) || errors.Is(err, ErrNotFound) {
			return nil, m.refuse(ctx, c, req.CallerID, reject(err, "confirmation %s can no longer be used", c.ID))
		}
		return nil, fmt.Errorf("claiming confirmation: %w", err)
	}

	res, err := m.gateway.Execute(ctx, guard.Request{
		Root:          c.Root,
		Command:       c.Command,
		Args:          c.Args,
		ReadOnly:      guard.Bool(false),
		Timeout:       req.Timeout,
		CallerID:      req.CallerID,
		CorrelationID: c.ID,
	})
	if err != nil {
		m.audit(ctx, c, req.CallerID, "confirm", "failure", nil, err)
		return nil, err
	}

	exit := res.ExitCode
	m.audit(ctx, c, req.CallerID, "confirm", "executed", &exit, nil)
	m.logger.Info("confirmation executed",
		slog.String("confirmation_id", c.ID),
		slog.String("command", c.Command),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
	)
	return res, nil
}

// Get returns a stored confirmation.
func (m *Manager) Get(ctx context.Context, id string) (*Confirmation, error) {
	return m.store.Get(ctx, id)
}

// Purge expires stale proposals and deletes old finished ones. Intended to
// run on a schedule.
func (m *Manager) Purge(ctx context.Context) error {
	n, err := m.store.Purge(ctx, m.now(), m.config.retention())
	if err != nil {
		return fmt.Errorf("purging confirmations: %w", err)
	}
	if n > 0 {
		m.logger.Info("confirmations purged", slog.Int("count", n))
	}
	return nil
}

func (m *Manager) readHead(ctx context.Context, root, callerID string) (string, error) {
	out, code, err := m.read(ctx, root, callerID, "rev-parse", "--verify", "-q", "HEAD")
	if err != nil {
		return "", err
	}
	if code != 0 {
		// Unborn branch.
		return "", nil
	}
	return out, nil
}

func (m *Manager) checkPreconditions(ctx context.Context, c *Confirmation, callerID string) error {
	p := c.Preconditions

	if p.ExpectedBranch != "" {
		branch, code, err := m.read(ctx, c.Root, callerID, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return err
		}
		if code != 0 || branch != p.ExpectedBranch {
			return reject(preconditionf("branch changed: expected %s, got %s", p.ExpectedBranch, branch), "repository moved")
		}
	}

	head, err := m.readHead(ctx, c.Root, callerID)
	if err != nil {
		return err
	}
	if head != p.ExpectedHead {
		return reject(preconditionf("HEAD changed since the proposal"), "repository moved")
	}

	if p.RequireClean {
		st, code, err := m.read(ctx, c.Root, callerID, "status", "--porcelain")
		if err != nil {
			return err
		}
		if code != 0 || st != "" {
			return reject(preconditionf("working tree is not clean"), "repository moved")
		}
	}

	if p.RequireNoConflicts {
		unmerged, code, err := m.read(ctx, c.Root, callerID, "diff", "--name-only", "--diff-filter=U")
		if err != nil {
			return err
		}
		if code != 0 || unmerged != "" {
			return reject(preconditionf("unmerged files present"), "repository moved")
		}
	}
	return nil
}

// read runs a read-only git command and returns its trimmed output.
func (m *Manager) read(ctx context.Context, root, callerID, command string, args ...string) (string, int, error) {
	res, err := m.gateway.Execute(ctx, guard.Request{
		Root:     root,
		Command:  command,
		Args:     args,
		ReadOnly: guard.Bool(true),
		CallerID: callerID,
	})
	if err != nil {
		return "", 0, err
	}
	if res.TimedOut {
		return "", 0, security.Errorf(security.KindConfirmation, "git %s timed out while checking preconditions", command)
	}
	return strings.TrimSpace(res.Output), res.ExitCode, nil
}

func (m *Manager) refuse(ctx context.Context, c *Confirmation, callerID string, err error) error {
	m.audit(ctx, c, callerID, "confirm", "denied", nil, err)
	m.logger.Warn("confirmation refused",
		slog.String("confirmation_id", c.ID),
		slog.String("error", err.Error()),
	)
	return err
}

func (m *Manager) audit(ctx context.Context, c *Confirmation, callerID, action, result string, exit *int, err error) {
	if m.auditor == nil {
		return
	}
	event := security.AuditEvent{
		Timestamp:     m.now(),
		CorrelationID: c.ID,
		UserID:        callerID,
		Action:        action,
		Root:          c.Root,
		Command:       c.Command,
		Args:          c.Args,
		Class:         c.Class,
		Risk:          c.Risk,
		Parameters: map[string]any{
			"confirmation_id": c.ID,
			"expires_at":      c.ExpiresAt.Format(time.RFC3339),
		},
		Result:   result,
		ExitCode: exit,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if auditErr := m.auditor.LogAction(context.WithoutCancel(ctx), event); auditErr != nil {
		m.logger.Error("audit write failed",
			slog.String("confirmation_id", c.ID),
			slog.String("error", auditErr.Error()),
		)
	}
}

func reject(cause error, format string, args ...any) error {
	return security.Wrap(security.KindConfirmation, cause, fmt.Sprintf(format, args...))
}
