// Package approval implements the two-step propose/confirm flow for mutating
// git commands. A proposal records the exact command and the repository
// state it was proposed against; confirming it with the one-time phrase runs
// that command once, provided the repository has not moved.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("confirmation not found")
	ErrExpired       = errors.New("confirmation expired")
	ErrAlreadyUsed   = errors.New("confirmation already used")
	ErrRootMismatch  = errors.New("confirmation belongs to a different repository")
	ErrInvalidPhrase = errors.New("invalid confirmation phrase")
	ErrHashMismatch  = errors.New("command hash mismatch")
	ErrPrecondition  = errors.New("precondition failed")
)

// Status is the state of a confirmation. Pending moves to Executed or
// Expired exactly once; both are terminal.
type Status int

const (
	StatusPending Status = iota
	StatusExecuted
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(name string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pending":
		return StatusPending, nil
	case "executed":
		return StatusExecuted, nil
	case "expired":
		return StatusExpired, nil
	default:
		return 0, fmt.Errorf("unknown confirmation status %q", name)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Preconditions are re-checked against the repository right before a
// confirmed command runs.
type Preconditions struct {
	ExpectedHead       string `json:"expected_head,omitempty"` // Empty when HEAD was unborn at proposal time.
	ExpectedBranch     string `json:"expected_branch,omitempty"`
	RequireClean       bool   `json:"require_clean"`
	RequireNoConflicts bool   `json:"require_no_conflicts"`
}

// Confirmation is a one-time authorization to run one exact command.
type Confirmation struct {
	ID            string        `json:"confirmation_id"`
	Root          string        `json:"root"`
	Command       string        `json:"command"`
	Args          []string      `json:"args"`
	Class         string        `json:"class"`
	Risk          string        `json:"risk"`
	Reason        string        `json:"reason,omitempty"`
	CommandHash   string        `json:"command_hash"`
	CallerID      string        `json:"caller_id,omitempty"`
	Preconditions Preconditions `json:"preconditions"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	UsedAt        *time.Time    `json:"used_at,omitempty"`
}

// Phrase returns the exact text the caller must send to confirm.
func (c *Confirmation) Phrase() string {
	return "I CONFIRM " + c.ID
}

// Expired reports whether the confirmation can no longer be used at now.
func (c *Confirmation) Expired(now time.Time) bool {
	return c.Status == StatusExpired || (c.Status == StatusPending && now.After(c.ExpiresAt))
}

// Argv returns the command followed by its arguments.
func (c *Confirmation) Argv() []string {
	return append([]string{c.Command}, c.Args...)
}

// CommandHash returns the hex SHA-256 of the newline-joined argv.
func CommandHash(argv []string) string {
	sum := sha256.Sum256([]byte(strings.Join(argv, "\n")))
	return hex.EncodeToString(sum[:])
}

// NewID derives a 16 hex character confirmation ID from the root, the
// proposal time and the command.
func NewID(root string, at time.Time, argv []string) string {
	seed := root + "\n" + strconv.FormatInt(at.UnixNano(), 10) + "\n" + strings.Join(argv, "\n")
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}
