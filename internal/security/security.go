// Package security implements default-deny classification of git commands,
// the execution error taxonomy, and append-only audit logging for gitguard.
package security

import (
	"context"
	"fmt"
	"time"
)

// RiskLevel classifies the danger of a git command.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Local writes that are easy to undo (add, branch, stash).
	RiskHigh                      // Local writes that move HEAD or create history.
	RiskCritical                  // Destructive or unsupported operations.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical (default-deny principle).
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskCritical
	}
}

// MarshalText implements encoding.TextMarshaler for YAML and JSON rule files.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	*r = ParseRiskLevel(string(b))
	return nil
}

// Class is the authorization class a command falls into.
type Class int

const (
	// ClassUnsupported commands are never executed.
	ClassUnsupported Class = iota
	// ClassReadOnly commands cannot modify the repository.
	ClassReadOnly
	// ClassMutating commands require an explicit write opt-in.
	ClassMutating
)

func (c Class) String() string {
	switch c {
	case ClassReadOnly:
		return "read_only"
	case ClassMutating:
		return "mutating"
	default:
		return "unsupported"
	}
}

// ParseClass converts a rule-file class name. Unknown names are unsupported.
func ParseClass(s string) Class {
	switch s {
	case "read_only", "read-only", "readonly":
		return ClassReadOnly
	case "mutating", "write":
		return ClassMutating
	default:
		return ClassUnsupported
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Class) UnmarshalText(b []byte) error {
	*c = ParseClass(string(b))
	return nil
}

// Classification is the verdict for one command name and argument list.
type Classification struct {
	Command string
	Args    []string
	Class   Class
	Risk    RiskLevel
	Reason  string // Why the command was escalated or rejected. Empty for plain read-only commands.
}

// Mutating reports whether the command may modify the repository.
func (c Classification) Mutating() bool {
	return c.Class == ClassMutating
}

// CommandSpec is the immutable program invocation derived from a classification.
// Mutating comes from the rule table, never from the caller.
type CommandSpec struct {
	Program  string
	Args     []string
	Mutating bool
}

// Argv returns the full argument vector including the program.
func (s CommandSpec) Argv() []string {
	argv := make([]string, 0, len(s.Args)+1)
	argv = append(argv, s.Program)
	return append(argv, s.Args...)
}

// Spec builds the CommandSpec for running this classification with the given git binary.
func (c Classification) Spec(program string) CommandSpec {
	args := make([]string, 0, len(c.Args)+1)
	args = append(args, c.Command)
	args = append(args, c.Args...)
	return CommandSpec{Program: program, Args: args, Mutating: c.Mutating()}
}

// Authorize applies the execution policy to a classification.
// Unsupported commands are always rejected; mutating commands are rejected
// unless the caller opted out of read-only mode.
func Authorize(c Classification, readOnly bool) error {
	switch c.Class {
	case ClassReadOnly:
		return nil
	case ClassMutating:
		if readOnly {
			return Errorf(KindWriteNotPermitted, "git %s modifies the repository; retry with read_only=false", c.Command)
		}
		return nil
	default:
		reason := c.Reason
		if reason == "" {
			reason = "command is not allowed"
		}
		return Errorf(KindUnsupportedCommand, "git %s: %s", c.Command, reason)
	}
}

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	UserID        string         `json:"user_id"`
	Action        string         `json:"action"` // "execute", "propose", "confirm", "cancel"
	Root          string         `json:"root,omitempty"`
	Command       string         `json:"command,omitempty"`
	Args          []string       `json:"args,omitempty"`
	Class         string         `json:"class,omitempty"`
	Risk          string         `json:"risk,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Result        string         `json:"result"` // "success", "failure", "denied", "timeout", "cancelled"
	ExitCode      *int           `json:"exit_code,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Truncated     bool           `json:"truncated,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Auditor records audit events.
type Auditor interface {
	LogAction(ctx context.Context, event AuditEvent) error
}

// MultiAuditor fans an event out to several auditors.
// Every auditor is attempted; the first error is returned.
type MultiAuditor []Auditor

// LogAction implements Auditor.
func (m MultiAuditor) LogAction(ctx context.Context, event AuditEvent) error {
	var first error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.LogAction(ctx, event); err != nil && first == nil {
			first = fmt.Errorf("audit: %w", err)
		}
	}
	return first
}
