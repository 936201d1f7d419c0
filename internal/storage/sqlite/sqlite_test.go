package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/security"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "gitguard.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_PingAndDriver(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("Driver() = %q", s.Driver())
	}
}

func TestAudit_AppendAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	exit := 0
	events := []security.AuditEvent{
		{Timestamp: base, Action: "execute", Root: "/r1", Command: "status", Result: "success", ExitCode: &exit, Args: []string{"--short"}},
		{Timestamp: base.Add(time.Minute), Action: "execute", Root: "/r1", Command: "reset", Result: "denied", Error: "write_not_permitted"},
		{Timestamp: base.Add(2 * time.Minute), Action: "execute", Root: "/r2", Command: "log", Result: "success", Parameters: map[string]any{"call_id": "c-1"}},
	}
	for _, e := range events {
		if err := s.Audit().Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := s.Audit().Recent(ctx, security.AuditQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("Recent = %d events, want 3", len(all))
	}
	if all[0].Command != "log" || all[2].Command != "status" {
		t.Errorf("order = %s, %s, %s; want newest first", all[0].Command, all[1].Command, all[2].Command)
	}
	if all[0].Parameters["call_id"] != "c-1" {
		t.Errorf("Parameters not round-tripped: %v", all[0].Parameters)
	}
	if len(all[2].Args) != 1 || all[2].Args[0] != "--short" || all[2].ExitCode == nil || *all[2].ExitCode != 0 {
		t.Errorf("status event = %+v", all[2])
	}

	tests := []struct {
		name string
		q    security.AuditQuery
		want int
	}{
		{"by root", security.AuditQuery{Root: "/r1"}, 2},
		{"by command", security.AuditQuery{Command: "reset"}, 1},
		{"by result", security.AuditQuery{Result: "success"}, 2},
		{"since", security.AuditQuery{Since: base.Add(30 * time.Second)}, 2},
		{"limit", security.AuditQuery{Limit: 1}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Audit().Recent(ctx, tc.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tc.want {
				t.Errorf("got %d events, want %d", len(got), tc.want)
			}
		})
	}
}

func newConfirmation(id string, created time.Time, ttl time.Duration) *approval.Confirmation {
	argv := []string{"commit", "-m", "x"}
	return &approval.Confirmation{
		ID:          id,
		Root:        "/repo",
		Command:     argv[0],
		Args:        argv[1:],
		Class:       "mutating",
		Risk:        "high",
		CommandHash: approval.CommandHash(argv),
		Preconditions: approval.Preconditions{
			ExpectedHead:       "abc",
			RequireNoConflicts: true,
		},
		Status:    approval.StatusPending,
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
	}
}

func TestConfirmations_PutGetClaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := newConfirmation("aaaaaaaaaaaaaaaa", now, time.Hour)
	if err := s.Confirmations().Put(ctx, c); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Confirmations().Put(ctx, c); err == nil {
		t.Error("duplicate Put should fail")
	}

	got, err := s.Confirmations().Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CommandHash != c.CommandHash || got.Preconditions.ExpectedHead != "abc" || len(got.Args) != 2 {
		t.Errorf("Get = %+v", got)
	}
	if got.Status != approval.StatusPending {
		t.Errorf("Status = %s", got.Status)
	}

	if err := s.Confirmations().Claim(ctx, c.ID, now); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Confirmations().Claim(ctx, c.ID, now); !errors.Is(err, approval.ErrAlreadyUsed) {
		t.Errorf("second Claim = %v, want ErrAlreadyUsed", err)
	}
	got, _ = s.Confirmations().Get(ctx, c.ID)
	if got.Status != approval.StatusExecuted || got.UsedAt == nil {
		t.Errorf("after claim: status=%s used_at=%v", got.Status, got.UsedAt)
	}

	if _, err := s.Confirmations().Get(ctx, "missing"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("Get(missing) = %v", err)
	}
	if err := s.Confirmations().Claim(ctx, "missing", now); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("Claim(missing) = %v", err)
	}
}

func TestConfirmations_ClaimExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-2 * time.Hour)

	c := newConfirmation("bbbbbbbbbbbbbbbb", created, time.Hour)
	if err := s.Confirmations().Put(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.Confirmations().Claim(ctx, c.ID, time.Now().UTC()); !errors.Is(err, approval.ErrExpired) {
		t.Fatalf("Claim = %v, want ErrExpired", err)
	}
	got, _ := s.Confirmations().Get(ctx, c.ID)
	if got.Status != approval.StatusExpired {
		t.Errorf("Status = %s, want expired", got.Status)
	}
}

func TestConfirmations_ConcurrentClaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := newConfirmation("cccccccccccccccc", now, time.Hour)
	if err := s.Confirmations().Put(ctx, c); err != nil {
		t.Fatal(err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Confirmations().Claim(ctx, c.ID, now) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("successful claims = %d, want 1", wins.Load())
	}
}

func TestConfirmations_Purge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, c := range []*approval.Confirmation{
		newConfirmation("fresh00000000000", now, time.Hour),
		newConfirmation("stale00000000000", now.Add(-3*time.Hour), time.Hour),
		newConfirmation("ancient000000000", now.Add(-72*time.Hour), time.Hour),
	} {
		if err := s.Confirmations().Put(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Confirmations().Purge(ctx, now, 24*time.Hour)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	stale, err := s.Confirmations().Get(ctx, "stale00000000000")
	if err != nil {
		t.Fatal(err)
	}
	if stale.Status != approval.StatusExpired {
		t.Errorf("stale status = %s", stale.Status)
	}
	if _, err := s.Confirmations().Get(ctx, "ancient000000000"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("ancient should be deleted: %v", err)
	}
	fresh, _ := s.Confirmations().Get(ctx, "fresh00000000000")
	if fresh == nil || fresh.Status != approval.StatusPending {
		t.Errorf("fresh = %+v", fresh)
	}
}

func TestStoreAuditor_WritesThrough(t *testing.T) {
	s := testStore(t)
	auditor := security.NewStoreAuditor(s.Audit(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := auditor.LogAction(context.Background(), security.AuditEvent{
		Timestamp: time.Now().UTC(), Action: "execute", Command: "status", Result: "success",
	}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Audit().Recent(context.Background(), security.AuditQuery{Command: "status"})
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent = %v, %v", got, err)
	}
}
