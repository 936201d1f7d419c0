// Package git implements gitguard's high-level repository tools.
//
// Every tool runs git through the execution gateway, never directly, so
// root resolution, classification, the sanitized environment, timeouts,
// output limits, and auditing apply to each call. Read tools always call
// the gateway with read_only=true.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/gitguard/internal/guard"
	"github.com/jkaninda/gitguard/internal/repo"
	"github.com/jkaninda/gitguard/internal/tools"
)

const (
	defaultLogCount   = 20
	maxLogCount       = 200
	maxStatusEntries  = 200
	maxGrepHits       = 200
	maxShowCommitSize = 12_000
	maxBlameLines     = 200

	// MaxTextLines caps file and diff text returned by FileAtRef and DiffRange.
	MaxTextLines = 2000
	// MaxTreeEntries caps the paths returned by Tree.
	MaxTreeEntries = 5000
)

// Gateway is the subset of the execution gateway the tools use.
type Gateway interface {
	guard.Executor
	Resolve(root string) (repo.Root, error)
	Cancel(callID string) bool
}

// Exec summarizes the git call behind a read result.
type Exec struct {
	CallID     string `json:"call_id"`
	ExitCode   int    `json:"exit_code"`
	Truncated  bool   `json:"truncated"`
	TimedOut   bool   `json:"timed_out"`
	DurationMS int64  `json:"duration_ms"`
	// Output is included only when git failed, so callers see why.
	Output string `json:"output,omitempty"`
}

// OK reports whether git exited zero within its deadline.
func (e Exec) OK() bool { return e.ExitCode == 0 && !e.TimedOut }

func execOf(res *guard.Result) Exec {
	e := Exec{
		CallID:     res.CallID,
		ExitCode:   res.ExitCode,
		Truncated:  res.Truncated,
		TimedOut:   res.TimedOut,
		DurationMS: res.DurationMS,
	}
	if !e.OK() {
		e.Output = res.Output
	}
	return e
}

// Reader runs read-only git queries through a Gateway.
type Reader struct {
	gateway Gateway
	logger  *slog.Logger
}

// NewReader creates a Reader.
func NewReader(gateway Gateway, logger *slog.Logger) *Reader {
	return &Reader{gateway: gateway, logger: logger}
}

// run executes one read-only git command for the caller in ctx.
func (r *Reader) run(ctx context.Context, root, command string, args ...string) (*guard.Result, error) {
	return r.gateway.Execute(ctx, guard.Request{
		Root:     root,
		Command:  command,
		Args:     args,
		ReadOnly: guard.Bool(true),
		CallerID: tools.CallerIDFromContext(ctx),
	})
}

// RepoInfo is high-signal repository metadata.
type RepoInfo struct {
	Root     string  `json:"root"`
	IsGit    bool    `json:"is_git"`
	Branch   string  `json:"branch,omitempty"`
	Head     string  `json:"head,omitempty"`
	Upstream *string `json:"upstream"`
}

// RepoInfo reports the branch, HEAD, and upstream of root. An unborn HEAD
// leaves Head empty; a branch without upstream leaves Upstream nil.
func (r *Reader) RepoInfo(ctx context.Context, root string) (*RepoInfo, error) {
	res, err := r.run(ctx, root, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return nil, err
	}
	info := &RepoInfo{Root: res.Root}
	if strings.TrimSpace(res.Output) != "true" {
		return info, nil
	}
	info.IsGit = true

	if res, err = r.run(ctx, root, "rev-parse", "--abbrev-ref", "HEAD"); err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		info.Branch = strings.TrimSpace(res.Output)
	}
	if res, err = r.run(ctx, root, "rev-parse", "--verify", "-q", "HEAD"); err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		info.Head = strings.TrimSpace(res.Output)
	}
	if res, err = r.run(ctx, root, "rev-parse", "--abbrev-ref", "@{u}"); err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		up := strings.TrimSpace(res.Output)
		info.Upstream = &up
	}
	return info, nil
}

// StatusEntry is one line of porcelain v1 status.
type StatusEntry struct {
	XY       string `json:"xy"`
	Path     string `json:"path"`
	OrigPath string `json:"orig_path,omitempty"`
}

// StatusReport is the parsed working tree status.
type StatusReport struct {
	Entries []StatusEntry `json:"entries"`
	Count   int           `json:"count"`
	Git     Exec          `json:"git"`
}

// Status runs "git status --porcelain=v1" and parses it. maxEntries is
// clamped to 1..200.
func (r *Reader) Status(ctx context.Context, root string, maxEntries int) (*StatusReport, error) {
	res, err := r.run(ctx, root, "status", "--porcelain=v1")
	if err != nil {
		return nil, err
	}
	entries := ParseStatusPorcelain(res.Output)
	if n := tools.Clamp(maxEntries, 1, maxStatusEntries); len(entries) > n {
		entries = entries[:n]
	}
	return &StatusReport{Entries: entries, Count: len(entries), Git: execOf(res)}, nil
}

// DiffFile is one line of name-status output.
type DiffFile struct {
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// DiffSummary is a parsed name-status diff.
type DiffSummary struct {
	Counts map[string]int `json:"counts"`
	Files  []DiffFile     `json:"files"`
	Total  int            `json:"total"`
	Git    Exec           `json:"git"`
}

// DiffSummary lists changed files. staged compares the index; against
// compares the working tree (or index) with a ref.
func (r *Reader) DiffSummary(ctx context.Context, root string, staged bool, against string) (*DiffSummary, error) {
	args := []string{"--name-status"}
	if staged {
		args = append(args, "--cached")
	}
	if against != "" {
		if strings.HasPrefix(against, "-") {
			return nil, invalidf("against must be a ref, not a flag")
		}
		args = append(args, against)
	}
	res, err := r.run(ctx, root, "diff", args...)
	if err != nil {
		return nil, err
	}
	sum := ParseNameStatus(res.Output)
	sum.Git = execOf(res)
	return sum, nil
}

// LogReport holds compact one-line log entries.
type LogReport struct {
	Lines []string `json:"lines"`
	Git   Exec     `json:"git"`
}

// Log returns the last n commits as "<short> <date> <subject> (<author>)".
// n is clamped to 1..200.
func (r *Reader) Log(ctx context.Context, root string, n int) (*LogReport, error) {
	if n == 0 {
		n = defaultLogCount
	}
	n = tools.Clamp(n, 1, maxLogCount)
	res, err := r.run(ctx, root, "log", fmt.Sprintf("-%d", n), "--pretty=format:%h %ad %s (%an)", "--date=short")
	if err != nil {
		return nil, err
	}
	return &LogReport{Lines: nonEmptyLines(res.Output), Git: execOf(res)}, nil
}

// CommitView is the text of one commit.
type CommitView struct {
	Text        string `json:"text"`
	UITruncated bool   `json:"ui_truncated"`
	Git         Exec   `json:"git"`
}

// ShowCommit shows one commit with its stat and, if patch, its diff. The
// text is cut at 12000 bytes on top of the gateway's own output limit.
func (r *Reader) ShowCommit(ctx context.Context, root, commit string, patch bool) (*CommitView, error) {
	if strings.HasPrefix(commit, "-") {
		return nil, invalidf("commit must be a revision, not a flag")
	}
	args := []string{"--stat"}
	if patch {
		args = append(args, "--patch")
	}
	args = append(args, commit)
	res, err := r.run(ctx, root, "show", args...)
	if err != nil {
		return nil, err
	}
	text, cut := tools.TruncateOutput(res.Output, maxShowCommitSize)
	return &CommitView{Text: text, UITruncated: cut, Git: execOf(res)}, nil
}

// GrepReport holds "path:line:text" hits.
type GrepReport struct {
	Hits  []string `json:"hits"`
	Count int      `json:"count"`
	Git   Exec     `json:"git"`
}

// Grep searches tracked content. The pattern is passed with -e so it can
// never be read as a flag. Exit code 1 (no match) yields zero hits.
func (r *Reader) Grep(ctx context.Context, root, pattern, pathspec string, ignoreCase bool, maxHits int) (*GrepReport, error) {
	args := []string{"-n", "--no-color"}
	if ignoreCase {
		args = append(args, "-i")
	}
	args = append(args, "-e", pattern)
	if pathspec != "" {
		args = append(args, "--", pathspec)
	}
	res, err := r.run(ctx, root, "grep", args...)
	if err != nil {
		return nil, err
	}
	hits := nonEmptyLines(res.Output)
	if res.ExitCode != 0 {
		hits = nil
	}
	if n := tools.Clamp(maxHits, 1, maxGrepHits); len(hits) > n {
		hits = hits[:n]
	}
	return &GrepReport{Hits: hits, Count: len(hits), Git: execOf(res)}, nil
}

// BlameReport is raw line-porcelain blame output.
type BlameReport struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Porcelain string `json:"porcelain"`
	Git       Exec   `json:"git"`
}

// Blame annotates lines start..end of path. The path is confined to the
// root before git runs; the range spans at most 200 lines.
func (r *Reader) Blame(ctx context.Context, root, path string, start, end int) (*BlameReport, error) {
	resolved, err := r.gateway.Resolve(root)
	if err != nil {
		return nil, err
	}
	rel, err := repo.Confine(resolved, path)
	if err != nil {
		return nil, err
	}
	start = max(start, 1)
	end = max(end, start)
	if end-start+1 > maxBlameLines {
		end = start + maxBlameLines - 1
	}
	res, err := r.run(ctx, root, "blame", "--line-porcelain", fmt.Sprintf("-L%d,%d", start, end), "--", rel)
	if err != nil {
		return nil, err
	}
	return &BlameReport{Path: rel, StartLine: start, EndLine: end, Porcelain: res.Output, Git: execOf(res)}, nil
}

// ConflictReport lists unmerged paths.
type ConflictReport struct {
	Conflicts []string `json:"conflicts"`
	Count     int      `json:"count"`
	Git       Exec     `json:"git"`
}

// DetectConflicts lists paths with unresolved merge conflicts.
func (r *Reader) DetectConflicts(ctx context.Context, root string) (*ConflictReport, error) {
	res, err := r.run(ctx, root, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var conflicts []string
	if res.ExitCode == 0 {
		conflicts = nonEmptyLines(res.Output)
	}
	return &ConflictReport{Conflicts: conflicts, Count: len(conflicts), Git: execOf(res)}, nil
}

// TreeReport lists paths at a ref.
type TreeReport struct {
	Ref       string   `json:"ref"`
	Total     int      `json:"total"`
	Returned  int      `json:"returned"`
	Truncated bool     `json:"truncated"`
	Paths     []string `json:"paths"`
	Git       Exec     `json:"git"`
}

// Tree lists every path (files and directories) at ref, capped at
// MaxTreeEntries.
func (r *Reader) Tree(ctx context.Context, root, ref string) (*TreeReport, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if strings.HasPrefix(ref, "-") {
		return nil, invalidf("ref must not start with '-'")
	}
	res, err := r.run(ctx, root, "ls-tree", "-r", "-t", "--name-only", ref)
	if err != nil {
		return nil, err
	}
	rep := &TreeReport{Ref: ref, Git: execOf(res)}
	if !rep.Git.OK() {
		return rep, nil
	}
	paths := nonEmptyLines(res.Output)
	rep.Total = len(paths)
	if len(paths) > MaxTreeEntries {
		paths = paths[:MaxTreeEntries]
		rep.Truncated = true
	}
	rep.Paths = paths
	rep.Returned = len(paths)
	return rep, nil
}

// FileView is the content of a file at a ref.
type FileView struct {
	Ref       string `json:"ref"`
	Path      string `json:"path"`
	LineCount int    `json:"line_count"`
	Truncated bool   `json:"truncated"`
	Content   string `json:"content"`
	Git       Exec   `json:"git"`
}

// FileAtRef reads path as stored at ref without touching the working tree.
// Content is capped at MaxTextLines lines.
func (r *Reader) FileAtRef(ctx context.Context, root, ref, path string) (*FileView, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if strings.HasPrefix(ref, "-") {
		return nil, invalidf("ref must not start with '-'")
	}
	if strings.Contains(ref, ":") {
		return nil, invalidf("ref must not contain ':'")
	}
	resolved, err := r.gateway.Resolve(root)
	if err != nil {
		return nil, err
	}
	rel, err := repo.Confine(resolved, path)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, invalidf("path must name a file")
	}
	res, err := r.run(ctx, root, "show", ref+":"+rel)
	if err != nil {
		return nil, err
	}
	view := &FileView{Ref: ref, Path: rel, Git: execOf(res)}
	if !view.Git.OK() {
		return view, nil
	}
	view.Content, view.LineCount, view.Truncated = capLines(res.Output, MaxTextLines)
	return view, nil
}

// DiffRangeReport is the patch between two refs.
type DiffRangeReport struct {
	Range     string   `json:"range"`
	Base      string   `json:"base"`
	Head      string   `json:"head"`
	TripleDot bool     `json:"triple_dot"`
	Pathspec  []string `json:"pathspec"`
	Truncated bool     `json:"truncated"`
	Diff      string   `json:"diff"`
	Git       Exec     `json:"git"`
}

// DiffRange diffs base..head, or base...head (from the merge base) when
// tripleDot is set. Pathspecs are confined to the root.
func (r *Reader) DiffRange(ctx context.Context, root, base, head string, tripleDot bool, pathspec []string) (*DiffRangeReport, error) {
	if base == "" {
		base = "HEAD~1"
	}
	if head == "" {
		head = "HEAD"
	}
	for _, ref := range []string{base, head} {
		if strings.HasPrefix(ref, "-") || strings.Contains(ref, "..") {
			return nil, invalidf("invalid ref %q", ref)
		}
	}
	sep := ".."
	if tripleDot {
		sep = "..."
	}
	rng := base + sep + head
	args := []string{"--patch", "--no-color", rng}

	var cleaned []string
	if len(pathspec) > 0 {
		resolved, err := r.gateway.Resolve(root)
		if err != nil {
			return nil, err
		}
		for _, p := range pathspec {
			if strings.TrimSpace(p) == "" {
				continue
			}
			rel, err := repo.Confine(resolved, p)
			if err != nil {
				return nil, err
			}
			cleaned = append(cleaned, rel)
		}
		if len(cleaned) > 0 {
			args = append(args, "--")
			args = append(args, cleaned...)
		}
	}

	res, err := r.run(ctx, root, "diff", args...)
	if err != nil {
		return nil, err
	}
	rep := &DiffRangeReport{
		Range:     rng,
		Base:      base,
		Head:      head,
		TripleDot: tripleDot,
		Pathspec:  cleaned,
		Git:       execOf(res),
	}
	if rep.Git.OK() {
		rep.Diff, _, rep.Truncated = capLines(res.Output, MaxTextLines)
	}
	return rep, nil
}

// capLines keeps the first n lines of s and reports the original count.
func capLines(s string, n int) (string, int, bool) {
	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	if s == "" {
		lines = nil
	}
	total := len(lines)
	if total > n {
		return strings.Join(lines[:n], "\n"), total, true
	}
	return strings.Join(lines, "\n"), total, false
}
