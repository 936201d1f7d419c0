package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/gitguard/internal/repo"
	"github.com/jkaninda/gitguard/internal/sandbox"
	"github.com/jkaninda/gitguard/internal/security"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSandbox records requests instead of spawning processes.
type fakeSandbox struct {
	mu     sync.Mutex
	calls  []sandbox.ExecutionRequest
	result sandbox.ExecutionResult
	err    error
}

func (f *fakeSandbox) Execute(_ context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	return &res, nil
}

func (f *fakeSandbox) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memAuditor struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (m *memAuditor) LogAction(_ context.Context, ev security.AuditEvent) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *memAuditor) last() security.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[len(m.events)-1]
}

func fakeRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTestGateway(t *testing.T, sbx sandbox.Sandbox, boundary string, cfg Config) (*Gateway, *memAuditor) {
	t.Helper()
	var boundaries []string
	if boundary != "" {
		boundaries = []string{boundary}
	}
	aud := &memAuditor{}
	g := NewGateway(repo.NewResolver(boundaries), security.NewClassifier(nil), sbx, aud, discardLogger(), cfg)
	return g, aud
}

func TestExecute_ValidationNeverSpawns(t *testing.T) {
	dir := fakeRepo(t)
	outside := fakeRepo(t)

	tests := []struct {
		name     string
		req      Request
		wantKind security.Kind
	}{
		{"unknown command", Request{Root: dir, Command: "frobnicate"}, security.KindUnsupportedCommand},
		{"network command", Request{Root: dir, Command: "push", ReadOnly: Bool(false)}, security.KindUnsupportedCommand},
		{"denylisted flag", Request{Root: dir, Command: "log", Args: []string{"--output=/tmp/x"}}, security.KindUnsupportedCommand},
		{"mutating without opt-in", Request{Root: dir, Command: "reset", Args: []string{"--hard"}}, security.KindWriteNotPermitted},
		{"mutating with read_only true", Request{Root: dir, Command: "commit", Args: []string{"-m", "x"}, ReadOnly: Bool(true)}, security.KindWriteNotPermitted},
		{"branch create read-only", Request{Root: dir, Command: "branch", Args: []string{"feature"}}, security.KindWriteNotPermitted},
		{"root outside boundary", Request{Root: outside, Command: "status"}, security.KindInvalidRoot},
		{"root traversal", Request{Root: dir + "/../repo", Command: "status"}, security.KindInvalidRoot},
		{"non-repository root", Request{Root: "/etc", Command: "status"}, security.KindInvalidRoot},
		{"empty root", Request{Command: "status"}, security.KindInvalidRoot},
		{"pathspec escape", Request{Root: dir, Command: "log", Args: []string{"--", "../../etc/passwd"}}, security.KindInvalidRoot},
		{"absolute pathspec", Request{Root: dir, Command: "diff", Args: []string{"--", "/etc/passwd"}}, security.KindInvalidRoot},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sbx := &fakeSandbox{}
			g, aud := newTestGateway(t, sbx, filepath.Dir(dir), Config{})
			res, err := g.Execute(context.Background(), tc.req)
			if err == nil {
				t.Fatalf("expected error, got result %+v", res)
			}
			if got := security.KindOf(err); got != tc.wantKind {
				t.Errorf("kind = %s, want %s (err=%v)", got, tc.wantKind, err)
			}
			if sbx.count() != 0 {
				t.Errorf("sandbox was invoked %d times; validation failures must not spawn", sbx.count())
			}
			if ev := aud.last(); ev.Result != "denied" {
				t.Errorf("audit result = %q, want denied", ev.Result)
			}
		})
	}
}

func TestExecute_MutatingWithExplicitOptIn(t *testing.T) {
	dir := fakeRepo(t)
	sbx := &fakeSandbox{}
	g, _ := newTestGateway(t, sbx, "", Config{GitPath: "/usr/bin/git"})

	_, err := g.Execute(context.Background(), Request{
		Root:     dir,
		Command:  "reset",
		Args:     []string{"--hard"},
		ReadOnly: Bool(false),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sbx.count() != 1 {
		t.Fatalf("sandbox calls = %d, want 1", sbx.count())
	}
	got := sbx.calls[0].Command
	want := []string{"/usr/bin/git", "reset", "--hard"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("argv = %q, want %q", got, want)
	}
}

func TestExecute_RequestShape(t *testing.T) {
	dir := fakeRepo(t)
	canonical, _ := filepath.EvalSymlinks(dir)
	sbx := &fakeSandbox{result: sandbox.ExecutionResult{
		Output:    []byte("ok\n"),
		ExitCode:  0,
		Duration:  15 * time.Millisecond,
		Truncated: false,
	}}
	g, aud := newTestGateway(t, sbx, "", Config{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
		MaxOutputBytes: 4096,
	})

	res, err := g.Execute(context.Background(), Request{
		Root:           dir,
		Command:        "status",
		Args:           []string{"--porcelain"},
		Timeout:        time.Hour,
		MaxOutputBytes: 1 << 30,
		CallerID:       "agent-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut || res.Output != "ok\n" || res.DurationMS != 15 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Class != "read_only" {
		t.Errorf("class = %q", res.Class)
	}

	req := sbx.calls[0]
	if req.WorkingDir != canonical {
		t.Errorf("WorkingDir = %q, want canonical root %q", req.WorkingDir, canonical)
	}
	if req.Timeout != 10*time.Second {
		t.Errorf("Timeout = %s, want clamp to 10s", req.Timeout)
	}
	if req.MaxOutputBytes != 4096 {
		t.Errorf("MaxOutputBytes = %d, want clamp to 4096", req.MaxOutputBytes)
	}
	if req.CallID == "" || req.CallID != res.CallID {
		t.Errorf("CallID not propagated: request %q, result %q", req.CallID, res.CallID)
	}
	env := strings.Join(req.Env, "\n")
	for _, want := range []string{"GIT_TERMINAL_PROMPT=0", "GIT_PAGER=cat", "LC_ALL=C"} {
		if !strings.Contains(env, want) {
			t.Errorf("child env missing %s", want)
		}
	}
	// The per-call home is removed after the call.
	for _, kv := range req.Env {
		if strings.HasPrefix(kv, "HOME=") {
			if _, err := os.Stat(strings.TrimPrefix(kv, "HOME=")); !os.IsNotExist(err) {
				t.Errorf("call home %s still exists", kv)
			}
		}
	}

	ev := aud.last()
	if ev.Result != "success" || ev.UserID != "agent-1" || ev.ExitCode == nil || *ev.ExitCode != 0 {
		t.Errorf("unexpected audit event: %+v", ev)
	}
}

func TestExecute_DefaultsApplied(t *testing.T) {
	sbx := &fakeSandbox{}
	g, _ := newTestGateway(t, sbx, "", Config{})
	if _, err := g.Execute(context.Background(), Request{Root: fakeRepo(t), Command: "log"}); err != nil {
		t.Fatal(err)
	}
	req := sbx.calls[0]
	if req.Timeout != defaultTimeout {
		t.Errorf("Timeout = %s, want %s", req.Timeout, defaultTimeout)
	}
	if req.MaxOutputBytes != defaultMaxOutputBytes {
		t.Errorf("MaxOutputBytes = %d, want %d", req.MaxOutputBytes, defaultMaxOutputBytes)
	}
}

func TestExecute_SandboxOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		sbx         *fakeSandbox
		wantKind    security.Kind
		wantAudit   string
		wantTimeout bool
	}{
		{
			name:      "spawn failure",
			sbx:       &fakeSandbox{err: errors.Join(sandbox.ErrSpawn, errors.New("exec: \"git\": executable file not found"))},
			wantKind:  security.KindSpawnFailed,
			wantAudit: "error",
		},
		{
			name:      "cancelled",
			sbx:       &fakeSandbox{result: sandbox.ExecutionResult{Cancelled: true, ExitCode: 143}},
			wantKind:  security.KindCancelled,
			wantAudit: "cancelled",
		},
		{
			name:        "timed out",
			sbx:         &fakeSandbox{result: sandbox.ExecutionResult{TimedOut: true, ExitCode: 124}},
			wantAudit:   "timeout",
			wantTimeout: true,
		},
		{
			name:      "non-zero exit",
			sbx:       &fakeSandbox{result: sandbox.ExecutionResult{ExitCode: 128, Output: []byte("fatal: bad revision\n")}},
			wantAudit: "failure",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g, aud := newTestGateway(t, tc.sbx, "", Config{})
			res, err := g.Execute(context.Background(), Request{Root: fakeRepo(t), Command: "log"})
			if tc.wantKind != "" {
				if got := security.KindOf(err); got != tc.wantKind {
					t.Fatalf("kind = %q, want %q (err=%v)", got, tc.wantKind, err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if res.TimedOut != tc.wantTimeout {
					t.Errorf("TimedOut = %v, want %v", res.TimedOut, tc.wantTimeout)
				}
			}
			if got := aud.last().Result; got != tc.wantAudit {
				t.Errorf("audit result = %q, want %q", got, tc.wantAudit)
			}
		})
	}
}

type denyAll struct{}

func (denyAll) Allow(string) error { return errors.New("rate limit exceeded") }

func TestExecute_RateLimited(t *testing.T) {
	sbx := &fakeSandbox{}
	g, _ := newTestGateway(t, sbx, "", Config{})
	g.WithLimiter(denyAll{})
	_, err := g.Execute(context.Background(), Request{Root: fakeRepo(t), Command: "status"})
	if !errors.Is(err, security.ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	if sbx.count() != 0 {
		t.Error("rate-limited call reached the sandbox")
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	sbx := &fakeSandbox{}
	g, _ := newTestGateway(t, sbx, "", Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Execute(ctx, Request{Root: fakeRepo(t), Command: "status"})
	if !errors.Is(err, security.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if sbx.count() != 0 {
		t.Error("cancelled call reached the sandbox")
	}
}

// --- integration with a real git binary ---

func skipIfNoGit(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not available, skipping integration test")
	}
	return path
}

func initRepo(t *testing.T, git string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command(git, "init", "-q", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newRealGateway(t *testing.T, git string) *Gateway {
	t.Helper()
	reg := sandbox.NewRegistry()
	sbx := sandbox.NewProcessSandbox(sandbox.ProcessConfig{Registry: reg}, discardLogger())
	g, _ := newTestGateway(t, sbx, "", Config{GitPath: git, Grace: 500 * time.Millisecond})
	return g.WithRegistry(reg)
}

func TestIntegration_Status(t *testing.T) {
	git := skipIfNoGit(t)
	dir := initRepo(t, git)
	g := newRealGateway(t, git)

	res, err := g.Execute(context.Background(), Request{
		Root:     dir,
		Command:  "status",
		Args:     []string{"--porcelain"},
		ReadOnly: Bool(true),
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Output, "?? README.md") {
		t.Errorf("output = %q, want untracked README.md", res.Output)
	}
}

func TestIntegration_WriteOptIn(t *testing.T) {
	git := skipIfNoGit(t)
	dir := initRepo(t, git)
	g := newRealGateway(t, git)
	ctx := context.Background()

	if _, err := g.Execute(ctx, Request{Root: dir, Command: "add", Args: []string{"--", "README.md"}}); !errors.Is(err, security.ErrWriteNotPermitted) {
		t.Fatalf("add without opt-in: %v, want ErrWriteNotPermitted", err)
	}

	res, err := g.Execute(ctx, Request{Root: dir, Command: "add", Args: []string{"--", "README.md"}, ReadOnly: Bool(false)})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("add with opt-in: %v %+v", err, res)
	}

	res, err = g.Execute(ctx, Request{Root: dir, Command: "status", Args: []string{"--porcelain"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "A  README.md") {
		t.Errorf("status after add = %q", res.Output)
	}
}

func TestIntegration_GlobalConfigIgnored(t *testing.T) {
	git := skipIfNoGit(t)
	dir := initRepo(t, git)

	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := "[alias]\n\tstatus = !touch pwned\n[core]\n\tpager = touch pwned-pager\n"
	if err := os.WriteFile(filepath.Join(home, ".gitconfig"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	g := newRealGateway(t, git)
	if _, err := g.Execute(context.Background(), Request{Root: dir, Command: "log", Args: []string{"-1"}}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"pwned", "pwned-pager"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			t.Errorf("host global config was honoured (%s created)", name)
		}
	}
}

// blockingSandbox holds every call until its context is cancelled.
type blockingSandbox struct {
	started chan struct{}
}

func (b *blockingSandbox) Execute(ctx context.Context, _ sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWait(t *testing.T) {
	sbx := &blockingSandbox{started: make(chan struct{}, 1)}
	g, aud := newTestGateway(t, sbx, "", Config{})

	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on idle gateway: %v", err)
	}

	root := fakeRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Execute(ctx, Request{Root: root, Command: "status"})
		done <- err
	}()
	<-sbx.started

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	if err := g.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait with a running call = %v, want DeadlineExceeded", err)
	}

	cancel()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after cancel: %v", err)
	}
	// Execute has fully returned, audit included, once Wait does.
	if got := aud.last().Result; got != "cancelled" {
		t.Errorf("audit result = %q, want cancelled", got)
	}
	if err := <-done; !errors.Is(err, security.ErrCancelled) {
		t.Errorf("Execute error = %v, want ErrCancelled", err)
	}
}

func gitRun(t *testing.T, git, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command(git, append([]string{"-C", dir, "-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func TestIntegration_DiffProducesPatch(t *testing.T) {
	git := skipIfNoGit(t)
	dir := initRepo(t, git)
	gitRun(t, git, dir, "add", "README.md")
	gitRun(t, git, dir, "commit", "-q", "-m", "init")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\nchanged\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := newRealGateway(t, git).Execute(context.Background(), Request{Root: dir, Command: "diff"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Output, "+changed") {
		t.Fatalf("diff exit=%d output=%q", res.ExitCode, res.Output)
	}
}

func TestIntegration_ReadOnlyNeverChangesConfig(t *testing.T) {
	git := skipIfNoGit(t)
	dir := initRepo(t, git)
	gitRun(t, git, dir, "config", "user.name", "alice")
	gitRun(t, git, dir, "config", "branch.main.remote", "origin")
	cfgPath := filepath.Join(dir, ".git", "config")
	before, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	pwned := filepath.Join(t.TempDir(), "pwned")

	g := newRealGateway(t, git)
	tests := []struct {
		name     string
		command  string
		args     []string
		wantKind security.Kind
	}{
		{"remote add", "remote", []string{"add", "evil", "file:///tmp/x"}, security.KindUnsupportedCommand},
		{"remote set-url", "remote", []string{"set-url", "origin", "file:///tmp/x"}, security.KindUnsupportedCommand},
		{"config unset subcommand", "config", []string{"unset", "user.name"}, security.KindUnsupportedCommand},
		{"config abbreviated unset-all", "config", []string{"--unset-a", "user.name"}, security.KindUnsupportedCommand},
		{"config abbreviated remove-section", "config", []string{"--remove-s", "user"}, security.KindUnsupportedCommand},
		{"branch abbreviated unset-upstream", "branch", []string{"--unset-u"}, security.KindWriteNotPermitted},
		{"grep abbreviated pager", "grep", []string{"--open-files-in=touch " + pwned, "--untracked", "hello"}, security.KindUnsupportedCommand},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := g.Execute(context.Background(), Request{Root: dir, Command: tc.command, Args: tc.args})
			if err == nil {
				t.Fatalf("executed: %+v", res)
			}
			if got := security.KindOf(err); got != tc.wantKind {
				t.Errorf("kind = %s, want %s (err=%v)", got, tc.wantKind, err)
			}
		})
	}

	after, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(before) {
		t.Errorf(".git/config changed:\n--- before\n%s\n--- after\n%s", before, after)
	}
	if _, err := os.Stat(pwned); err == nil {
		t.Error("grep ran an external program")
	}
}

func TestIntegration_AbbreviatedOptionsRejectedByGit(t *testing.T) {
	git := skipIfNoGit(t)
	dir := initRepo(t, git)
	gitRun(t, git, dir, "add", "README.md")
	gitRun(t, git, dir, "commit", "-q", "-m", "init")

	// The classifier allows it; git itself must refuse the abbreviation.
	res, err := newRealGateway(t, git).Execute(context.Background(), Request{Root: dir, Command: "branch", Args: []string{"--lis"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode == 0 || !strings.Contains(res.Output, "abbreviated") {
		t.Errorf("abbreviated option accepted: exit=%d output=%q", res.ExitCode, res.Output)
	}
}
