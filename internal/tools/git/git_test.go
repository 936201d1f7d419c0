package git

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/gitguard/internal/approval"
	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/repo"
	"github.com/jkaninda/gitguard/internal/sandbox"
	"github.com/jkaninda/gitguard/internal/security"
	"github.com/jkaninda/gitguard/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedGateway answers requests from a table keyed by "command args...".
type scriptedGateway struct {
	mu        sync.Mutex
	root      string
	answers   map[string]*guard.Result
	requests  []guard.Request
	err       error
	cancelled []string
}

func (g *scriptedGateway) Execute(_ context.Context, req guard.Request) (*guard.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	key := strings.Join(append([]string{req.Command}, req.Args...), " ")
	if res, ok := g.answers[key]; ok {
		out := *res
		out.Root = g.root
		return &out, nil
	}
	return &guard.Result{Root: g.root, ExitCode: 128, Output: "fatal: unscripted " + key}, nil
}

func (g *scriptedGateway) Resolve(root string) (repo.Root, error) {
	if root != g.root {
		return repo.Root{}, security.Errorf(security.KindInvalidRoot, "unknown root %q", root)
	}
	return repo.Root{Path: g.root}, nil
}

func (g *scriptedGateway) Cancel(callID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, callID)
	return callID == "running"
}

func (g *scriptedGateway) last() guard.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func ok(output string) *guard.Result { return &guard.Result{Output: output} }

func newScripted(t *testing.T, answers map[string]*guard.Result) *scriptedGateway {
	t.Helper()
	return &scriptedGateway{root: t.TempDir(), answers: answers}
}

// --- parsers ---

func TestParseStatusPorcelain(t *testing.T) {
	out := " M internal/a.go\n?? new.txt\nR  old.go -> renamed.go\nA  \"quoted name\"\n\n"
	got := ParseStatusPorcelain(out)
	want := []StatusEntry{
		{XY: " M", Path: "internal/a.go"},
		{XY: "??", Path: "new.txt"},
		{XY: "R ", Path: "renamed.go", OrigPath: "old.go"},
		{XY: "A ", Path: "\"quoted name\""},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
	if ParseStatusPorcelain("") != nil {
		t.Error("empty output should yield no entries")
	}
}

func TestParseNameStatus(t *testing.T) {
	out := "M\tREADME.md\nA\tnew.go\nD\tgone.go\nR100\told.go\tnew_name.go\nR087\tx\ty\n"
	sum := ParseNameStatus(out)
	if sum.Total != 5 {
		t.Errorf("Total = %d, want 5", sum.Total)
	}
	wantCounts := map[string]int{"M": 1, "A": 1, "D": 1, "R": 2}
	if !reflect.DeepEqual(sum.Counts, wantCounts) {
		t.Errorf("Counts = %v, want %v", sum.Counts, wantCounts)
	}
	if f := sum.Files[3]; f.Status != "R100" || f.From != "old.go" || f.To != "new_name.go" {
		t.Errorf("rename entry = %+v", f)
	}
	if f := sum.Files[0]; f.Path != "README.md" {
		t.Errorf("modify entry = %+v", f)
	}
}

// --- Reader ---

func TestReader_AlwaysReadOnly(t *testing.T) {
	gw := newScripted(t, map[string]*guard.Result{"status --porcelain=v1": ok("")})
	r := NewReader(gw, discardLogger())
	ctx := tools.ContextWithCallerID(context.Background(), "alice")

	if _, err := r.Status(ctx, gw.root, 10); err != nil {
		t.Fatal(err)
	}
	req := gw.last()
	if req.ReadOnly == nil || !*req.ReadOnly {
		t.Error("read tools must request read_only=true")
	}
	if req.CallerID != "alice" {
		t.Errorf("CallerID = %q, want alice", req.CallerID)
	}
}

func TestReader_LogClampsCount(t *testing.T) {
	tests := []struct {
		n    int
		flag string
	}{
		{0, "-20"},
		{-5, "-1"},
		{7, "-7"},
		{5000, "-200"},
	}
	for _, tc := range tests {
		gw := newScripted(t, nil)
		r := NewReader(gw, discardLogger())
		if _, err := r.Log(context.Background(), gw.root, tc.n); err != nil {
			t.Fatal(err)
		}
		if got := gw.last().Args[0]; got != tc.flag {
			t.Errorf("Log(n=%d) flag = %s, want %s", tc.n, got, tc.flag)
		}
	}
}

func TestReader_StatusCapsEntries(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("?? f\n")
	}
	gw := newScripted(t, map[string]*guard.Result{"status --porcelain=v1": ok(b.String())})
	rep, err := NewReader(gw, discardLogger()).Status(context.Background(), gw.root, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Count != maxStatusEntries {
		t.Errorf("Count = %d, want %d", rep.Count, maxStatusEntries)
	}
}

func TestReader_RepoInfo(t *testing.T) {
	gw := newScripted(t, map[string]*guard.Result{
		"rev-parse --is-inside-work-tree": ok("true\n"),
		"rev-parse --abbrev-ref HEAD":     ok("main\n"),
		"rev-parse --verify -q HEAD":      ok("abc123\n"),
		"rev-parse --abbrev-ref @{u}":     {ExitCode: 128, Output: "fatal: no upstream configured"},
	})
	info, err := NewReader(gw, discardLogger()).RepoInfo(context.Background(), gw.root)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsGit || info.Branch != "main" || info.Head != "abc123" {
		t.Errorf("info = %+v", info)
	}
	if info.Upstream != nil {
		t.Errorf("Upstream = %q, want nil", *info.Upstream)
	}
}

func TestReader_GrepNoMatch(t *testing.T) {
	gw := newScripted(t, map[string]*guard.Result{
		"grep -n --no-color -i -e TODO -- src": {ExitCode: 1},
	})
	rep, err := NewReader(gw, discardLogger()).Grep(context.Background(), gw.root, "TODO", "src", true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Count != 0 || rep.Hits != nil {
		t.Errorf("hits = %v", rep.Hits)
	}
}

func TestReader_BlameConfinesPath(t *testing.T) {
	gw := newScripted(t, nil)
	r := NewReader(gw, discardLogger())

	_, err := r.Blame(context.Background(), gw.root, "../../etc/passwd", 1, 10)
	if !errors.Is(err, security.ErrInvalidRoot) {
		t.Fatalf("err = %v, want ErrInvalidRoot", err)
	}
	if len(gw.requests) != 0 {
		t.Error("escaping path reached the gateway")
	}

	rep, err := r.Blame(context.Background(), gw.root, "src/main.go", 50, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if rep.StartLine != 50 || rep.EndLine != 249 {
		t.Errorf("range = %d..%d, want 50..249", rep.StartLine, rep.EndLine)
	}
	want := []string{"--line-porcelain", "-L50,249", "--", "src/main.go"}
	if got := gw.last().Args; !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v, want %v", got, want)
	}
}

func TestReader_RejectsFlagRefs(t *testing.T) {
	gw := newScripted(t, nil)
	r := NewReader(gw, discardLogger())
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["show_commit"] = r.ShowCommit(ctx, gw.root, "--output=/tmp/x", true)
	_, checks["tree"] = r.Tree(ctx, gw.root, "--full-tree")
	_, checks["file_at_ref"] = r.FileAtRef(ctx, gw.root, "-p", "README.md")
	_, checks["diff_range"] = r.DiffRange(ctx, gw.root, "--cached", "HEAD", false, nil)
	_, checks["diff_summary"] = r.DiffSummary(ctx, gw.root, false, "--no-index")
	for name, err := range checks {
		if !errors.Is(err, security.ErrInvalidArgument) {
			t.Errorf("%s: err = %v, want ErrInvalidArgument", name, err)
		}
	}
	if len(gw.requests) != 0 {
		t.Errorf("%d rejected calls reached the gateway", len(gw.requests))
	}
}

func TestReader_TreeTruncates(t *testing.T) {
	var b strings.Builder
	for i := 0; i < MaxTreeEntries+10; i++ {
		b.WriteString("dir/file\n")
	}
	gw := newScripted(t, map[string]*guard.Result{"ls-tree -r -t --name-only HEAD": ok(b.String())})
	rep, err := NewReader(gw, discardLogger()).Tree(context.Background(), gw.root, "")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Truncated || rep.Total != MaxTreeEntries+10 || rep.Returned != MaxTreeEntries {
		t.Errorf("report = total %d returned %d truncated %v", rep.Total, rep.Returned, rep.Truncated)
	}
}

func TestReader_FileAtRefCapsLines(t *testing.T) {
	content := strings.Repeat("line\n", MaxTextLines+5)
	gw := newScripted(t, map[string]*guard.Result{"show v1.0:docs/a.md": ok(content)})
	view, err := NewReader(gw, discardLogger()).FileAtRef(context.Background(), gw.root, "v1.0", "docs/a.md")
	if err != nil {
		t.Fatal(err)
	}
	if !view.Truncated || view.LineCount != MaxTextLines+5 {
		t.Errorf("truncated=%v line_count=%d", view.Truncated, view.LineCount)
	}
	if n := strings.Count(view.Content, "\n") + 1; n != MaxTextLines {
		t.Errorf("content lines = %d, want %d", n, MaxTextLines)
	}
}

func TestReader_DiffRangeArgs(t *testing.T) {
	gw := newScripted(t, map[string]*guard.Result{
		"diff --patch --no-color main...feature -- src": ok("diff --git a/src/x b/src/x\n"),
	})
	rep, err := NewReader(gw, discardLogger()).DiffRange(context.Background(), gw.root, "main", "feature", true, []string{"src", " "})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Range != "main...feature" || !rep.Git.OK() || rep.Diff == "" {
		t.Errorf("report = %+v", rep)
	}
}

func TestReader_GatewayErrorPropagates(t *testing.T) {
	gw := newScripted(t, nil)
	gw.err = security.Errorf(security.KindInvalidRoot, "not a repository")
	_, err := NewReader(gw, discardLogger()).DetectConflicts(context.Background(), gw.root)
	if !errors.Is(err, security.ErrInvalidRoot) {
		t.Errorf("err = %v", err)
	}
}

// --- tools ---

func newTestRegistry(gw Gateway, approvals Approvals) *tools.Registry {
	reg := tools.NewRegistry()
	Register(reg, gw, approvals, discardLogger())
	return reg
}

func TestRegister_ToolSet(t *testing.T) {
	reg := newTestRegistry(newScripted(t, nil), &fakeApprovals{})
	want := []string{
		"blame", "detect_conflicts", "diff_range", "diff_summary", "file_at_ref",
		"git_cancel", "git_confirm", "git_execute", "git_propose", "grep",
		"log", "repo_info", "show_commit", "status", "tree",
	}
	if got := reg.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("tools = %v\nwant %v", got, want)
	}
	for _, tool := range reg.All() {
		schema := tool.InputSchema()
		if schema["type"] != "object" {
			t.Errorf("%s: schema type = %v", tool.Name(), schema["type"])
		}
	}
	if !reg.Get("status").ReadOnly() || reg.Get("git_execute").ReadOnly() {
		t.Error("unexpected read-only annotations")
	}

	noApprovals := newTestRegistry(newScripted(t, nil), nil)
	if noApprovals.Get("git_propose") != nil {
		t.Error("propose registered without an approval manager")
	}
}

func TestExecuteTool_Request(t *testing.T) {
	gw := newScripted(t, map[string]*guard.Result{"log -1": ok("abc\n")})
	reg := newTestRegistry(gw, nil)
	ctx := tools.ContextWithCallerID(context.Background(), "bob")

	res, err := reg.Run(ctx, "git_execute", map[string]any{
		"root":             gw.root,
		"command":          "log",
		"args":             []any{"-1"},
		"timeout_seconds":  2.5,
		"max_output_bytes": float64(4096),
		"call_id":          "c-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
	req := gw.last()
	if req.ReadOnly != nil {
		t.Error("absent read_only must reach the gateway as nil")
	}
	if req.Timeout != 2500*time.Millisecond || req.MaxOutputBytes != 4096 || req.CallID != "c-1" || req.CallerID != "bob" {
		t.Errorf("request = %+v", req)
	}

	if _, err := reg.Run(ctx, "git_execute", map[string]any{"root": gw.root, "command": "commit", "read_only": false}); err != nil {
		t.Fatal(err)
	}
	if req := gw.last(); req.ReadOnly == nil || *req.ReadOnly {
		t.Error("read_only=false not forwarded")
	}
}

func TestExecuteTool_InvalidParams(t *testing.T) {
	gw := newScripted(t, nil)
	reg := newTestRegistry(gw, nil)

	bad := []map[string]any{
		{"command": "status"},
		{"root": gw.root},
		{"root": gw.root, "command": "status", "args": "not-a-list"},
		{"root": gw.root, "command": "status", "args": []any{1}},
		{"root": gw.root, "command": "status", "read_only": "yes"},
		{"root": gw.root, "command": "status", "timeout_seconds": -1.0},
		{"root": gw.root, "command": "status", "max_output_bytes": 1.5},
	}
	for i, params := range bad {
		if _, err := reg.Run(context.Background(), "git_execute", params); !errors.Is(err, security.ErrInvalidArgument) {
			t.Errorf("case %d: err = %v, want ErrInvalidArgument", i, err)
		}
	}
	if len(gw.requests) != 0 {
		t.Errorf("invalid params reached the gateway %d times", len(gw.requests))
	}
	if _, err := reg.Run(context.Background(), "no_such_tool", nil); !errors.Is(err, security.ErrInvalidArgument) {
		t.Errorf("unknown tool err = %v", err)
	}
}

func TestCancelTool(t *testing.T) {
	gw := newScripted(t, nil)
	reg := newTestRegistry(gw, nil)

	res, err := reg.Run(context.Background(), "git_cancel", map[string]any{"call_id": "running"})
	if err != nil || !res.Success {
		t.Fatalf("cancel running: %v %+v", err, res)
	}
	res, err = reg.Run(context.Background(), "git_cancel", map[string]any{"call_id": "finished"})
	if err != nil || res.Success {
		t.Fatalf("cancel finished: %v %+v", err, res)
	}
}

type fakeApprovals struct {
	proposed  approval.ProposeRequest
	confirmed approval.ConfirmRequest
}

func (f *fakeApprovals) Propose(_ context.Context, req approval.ProposeRequest) (*approval.Confirmation, error) {
	f.proposed = req
	return &approval.Confirmation{
		ID:        "0123456789abcdef",
		Root:      req.Root,
		Command:   req.Command,
		Args:      req.Args,
		ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeApprovals) Confirm(_ context.Context, req approval.ConfirmRequest) (*guard.Result, error) {
	f.confirmed = req
	if req.Phrase != "I CONFIRM "+req.ID {
		return nil, security.Wrap(security.KindConfirmation, approval.ErrInvalidPhrase, "confirmation phrase does not match")
	}
	return &guard.Result{Command: "commit"}, nil
}

func TestApprovalTools(t *testing.T) {
	gw := newScripted(t, nil)
	fa := &fakeApprovals{}
	reg := newTestRegistry(gw, fa)
	ctx := tools.ContextWithCallerID(context.Background(), "carol")

	res, err := reg.Run(ctx, "git_propose", map[string]any{
		"root":            gw.root,
		"command":         "commit",
		"args":            []any{"-m", "fix"},
		"expected_branch": "main",
		"require_clean":   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	p, okType := res.Data.(*Proposal)
	if !okType || p.ConfirmationPhrase != "I CONFIRM 0123456789abcdef" {
		t.Fatalf("proposal = %#v", res.Data)
	}
	if fa.proposed.CallerID != "carol" || !fa.proposed.RequireClean || fa.proposed.ExpectedBranch != "main" {
		t.Errorf("propose request = %+v", fa.proposed)
	}

	_, err = reg.Run(ctx, "git_confirm", map[string]any{
		"root":              gw.root,
		"confirmation_id":   p.ID,
		"user_confirmation": "yes please",
	})
	if !errors.Is(err, security.ErrConfirmation) {
		t.Errorf("wrong phrase err = %v", err)
	}

	res, err = reg.Run(ctx, "git_confirm", map[string]any{
		"root":              gw.root,
		"confirmation_id":   p.ID,
		"user_confirmation": p.ConfirmationPhrase,
	})
	if err != nil || !res.Success {
		t.Fatalf("confirm: %v %+v", err, res)
	}
	if len(gw.requests) != 0 {
		t.Error("approval tools must not call the gateway directly")
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

// commitRepo creates a repository with two commits. Setup runs git
// directly; only the code under test goes through the gateway.
func commitRepo(t *testing.T, git string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command(git, append([]string{"-c", "user.name=Test", "-c", "user.email=test@example.com"}, args...)...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	run("init", "-q", "-b", "main")
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("README.md", "hello\n")
	write("src/main.go", "package main\n\n// TODO: more\nfunc main() {}\n")
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	write("README.md", "hello\nworld\n")
	run("commit", "-q", "-am", "second")
	write("README.md", "hello\nworld\nagain\n")
	return dir
}

func newRealGateway(t *testing.T, git string) *guard.Gateway {
	t.Helper()
	reg := sandbox.NewRegistry()
	sbx := sandbox.NewProcessSandbox(sandbox.ProcessConfig{Registry: reg}, discardLogger())
	return guard.NewGateway(repo.NewResolver(nil), security.NewClassifier(nil), sbx, nil, discardLogger(), guard.Config{GitPath: git}).WithRegistry(reg)
}

func TestIntegration_ReadTools(t *testing.T) {
	git := skipIfNoGit(t)
	dir := commitRepo(t, git)
	r := NewReader(newRealGateway(t, git), discardLogger())
	ctx := context.Background()

	info, err := r.RepoInfo(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsGit || info.Branch != "main" || len(info.Head) != 40 {
		t.Errorf("repo info = %+v", info)
	}

	status, err := r.Status(ctx, dir, 50)
	if err != nil {
		t.Fatal(err)
	}
	if status.Count != 1 || status.Entries[0].Path != "README.md" || status.Entries[0].XY != " M" {
		t.Errorf("status = %+v", status.Entries)
	}

	log, err := r.Log(ctx, dir, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(log.Lines) != 2 || !strings.Contains(log.Lines[0], "second (Test)") {
		t.Errorf("log = %v", log.Lines)
	}

	grep, err := r.Grep(ctx, dir, "todo", "src", true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if grep.Count != 1 || !strings.HasPrefix(grep.Hits[0], "src/main.go:3:") {
		t.Errorf("grep = %v", grep.Hits)
	}

	tree, err := r.Tree(ctx, dir, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tree.Paths, []string{"README.md", "src", "src/main.go"}) {
		t.Errorf("tree = %v", tree.Paths)
	}

	file, err := r.FileAtRef(ctx, dir, "HEAD~1", "README.md")
	if err != nil {
		t.Fatal(err)
	}
	if file.Content != "hello" || file.LineCount != 1 {
		t.Errorf("file at HEAD~1 = %q (%d lines)", file.Content, file.LineCount)
	}

	diff, err := r.DiffRange(ctx, dir, "HEAD~1", "HEAD", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(diff.Diff, "+world") {
		t.Errorf("diff = %q", diff.Diff)
	}

	summary, err := r.DiffSummary(ctx, dir, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 1 || summary.Counts["M"] != 1 {
		t.Errorf("diff summary = %+v", summary)
	}

	blame, err := r.Blame(ctx, dir, "README.md", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(blame.Porcelain, "author Test") {
		t.Errorf("blame = %q", blame.Porcelain)
	}

	conflicts, err := r.DetectConflicts(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if conflicts.Count != 0 {
		t.Errorf("conflicts = %v", conflicts.Conflicts)
	}
}
