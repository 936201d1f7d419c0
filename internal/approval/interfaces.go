package approval

import (
	"context"
	"time"

	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/repo"
	"github.com/jkaninda/gitguard/internal/security"
)

// Store is the persistence contract for confirmations.
// Implementations must enforce the state machine:
//   - Pending -> Executed
//   - Pending -> Expired
//
// Once Executed or Expired, status is immutable.
type Store interface {
	// Put persists a new pending confirmation. IDs are unique.
	Put(ctx context.Context, c *Confirmation) error
	// Get retrieves a confirmation by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Confirmation, error)
	// Claim atomically moves a pending, unexpired confirmation to Executed.
	// Returns ErrAlreadyUsed or ErrExpired otherwise.
	Claim(ctx context.Context, id string, now time.Time) error
	// Purge marks pending rows past expiry as expired and deletes finished
	// rows created before now-retention. Returns the number deleted.
	Purge(ctx context.Context, now time.Time, retention time.Duration) (int, error)
}

// Gateway is the subset of guard.Gateway the confirmation flow runs through.
type Gateway interface {
	Resolve(root string) (repo.Root, error)
	Classify(command string, args []string) security.Classification
	Execute(ctx context.Context, req guard.Request) (*guard.Result, error)
}
