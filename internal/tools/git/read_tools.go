package git

import (
	"context"
	"log/slog"

	"github.com/jkaninda/gitguard/internal/tools"
)

// readTool adapts one Reader query to tools.Tool.
type readTool struct {
	name        string
	description string
	schema      map[string]any
	required    []string
	run         func(ctx context.Context, root string, params map[string]any) (data any, ok bool, err error)
	logger      *slog.Logger
}

func (t *readTool) Name() string                { return t.name }
func (t *readTool) Description() string         { return t.description }
func (t *readTool) InputSchema() map[string]any { return t.schema }
func (t *readTool) ReadOnly() bool              { return true }

func (t *readTool) Validate(params map[string]any) error {
	for _, key := range append([]string{"root"}, t.required...) {
		if _, err := tools.RequireString(params, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *readTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	root, _ := tools.RequireString(params, "root")
	t.logger.DebugContext(ctx, "read tool executing",
		slog.String("tool", t.name),
		slog.String("root", root),
	)
	data, ok, err := t.run(ctx, root, params)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: data, Success: ok}, nil
}

// ReadTools returns the high-level read-only tools backed by r.
func ReadTools(r *Reader) []tools.Tool {
	mk := func(name, desc string, schema map[string]any, required []string, run func(context.Context, string, map[string]any) (any, bool, error)) tools.Tool {
		return &readTool{name: name, description: desc, schema: schema, required: required, run: run, logger: r.logger}
	}

	return []tools.Tool{
		mk("repo_info",
			"Repository metadata: root, branch, HEAD commit, and upstream if one is configured.",
			object(map[string]any{"root": rootParam}, "root"),
			nil,
			func(ctx context.Context, root string, _ map[string]any) (any, bool, error) {
				info, err := r.RepoInfo(ctx, root)
				if err != nil {
					return nil, false, err
				}
				return info, info.IsGit, nil
			}),

		mk("status",
			"Machine-readable working tree status (porcelain v1), parsed into entries.",
			object(map[string]any{
				"root":        rootParam,
				"max_entries": integer("Maximum entries returned", 1, maxStatusEntries, maxStatusEntries),
			}, "root"),
			nil,
			func(ctx context.Context, root string, p map[string]any) (any, bool, error) {
				n, err := tools.OptionalInt(p, "max_entries", maxStatusEntries)
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				rep, err := r.Status(ctx, root, n)
				if err != nil {
					return nil, false, err
				}
				return rep, rep.Git.OK(), nil
			}),

		mk("diff_summary",
			"Changed file names with their status (name-status), unstaged by default.",
			object(map[string]any{
				"root":    rootParam,
				"staged":  boolean("Compare the index instead of the working tree", false),
				"against": str("Ref to compare against, e.g. HEAD"),
			}, "root"),
			nil,
			func(ctx context.Context, root string, p map[string]any) (any, bool, error) {
				staged, err := tools.OptionalBool(p, "staged", false)
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				against, err := tools.OptionalString(p, "against", "")
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				sum, err := r.DiffSummary(ctx, root, staged, against)
				if err != nil {
					return nil, false, err
				}
				return sum, sum.Git.OK(), nil
			}),

		mk("log",
			"Compact one-line history: short hash, date, subject, author.",
			object(map[string]any{
				"root": rootParam,
				"n":    integer("Number of commits", 1, maxLogCount, defaultLogCount),
			}, "root"),
			nil,
			func(ctx context.Context, root string, p map[string]any) (any, bool, error) {
				n, err := tools.OptionalInt(p, "n", defaultLogCount)
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				rep, err := r.Log(ctx, root, n)
				if err != nil {
					return nil, false, err
				}
				return rep, rep.Git.OK(), nil
			}),

		mk("show_commit",
			"Show one commit with its stat and, optionally, its patch.",
			object(map[string]any{
				"root":   rootParam,
				"commit": str("Commit-ish to show"),
				"patch":  boolean("Include the patch", true),
			}, "root", "commit"),
			[]string{"commit"},
			func(ctx context.Context, root string, p map[string]any) (any, bool, error) {
				commit, _ := tools.RequireString(p, "commit")
				patch, err := tools.OptionalBool(p, "patch", true)
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				view, err := r.ShowCommit(ctx, root, commit, patch)
				if err != nil {
					return nil, false, err
				}
				return view, view.Git.OK(), nil
			}),

		mk("grep",
			"Search tracked file content. Returns path:line:text hits.",
			object(map[string]any{
				"root":        rootParam,
				"pattern":     str("Pattern to search for"),
				"pathspec":    str("Limit the search to this path inside the repository"),
				"ignore_case": boolean("Case-insensitive match", false),
				"max_hits":    integer("Maximum hits returned", 1, maxGrepHits, maxGrepHits),
			}, "root", "pattern"),
			[]string{"pattern"},
			func(ctx context.Context, root string, p map[string]any) (any, bool, error) {
				pattern, _ := tools.RequireString(p, "pattern")
				pathspec, err := tools.OptionalString(p, "pathspec", "")
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				ignoreCase, err := tools.OptionalBool(p, "ignore_case", false)
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				maxHits, err := tools.OptionalInt(p, "max_hits", maxGrepHits)
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				rep, err := r.Grep(ctx, root, pattern, pathspec, ignoreCase, maxHits)
				if err != nil {
					return nil, false, err
				}
				// Exit 1 means no match, which is still a successful search.
				return rep, rep.Git.ExitCode <= 1 && !rep.Git.TimedOut, nil
			}),

		mk("blame",
			"Line-porcelain blame for a line range of one file (at most 200 lines).",
			object(map[string]any{
				"root":       rootParam,
				"file_path":  str("File path relative to the repository root"),
				"start_line": integer("First line", 1, 1<<30, 1),
				"end_line":   integer("Last line", 1, 1<<30, maxBlameLines),
			}, "root", "file_path"),
			[]string{"file_path"},
			func(ctx context.Context, root string, p map[string]any) (any, bool, error) {
				path, _ := tools.RequireString(p, "file_path")
				start, err := tools.OptionalInt(p, "start_line", 1)
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				end, err := tools.OptionalInt(p, "end_line", maxBlameLines)
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				rep, err := r.Blame(ctx, root, path, start, end)
				if err != nil {
					return nil, false, err
				}
				return rep, rep.Git.OK(), nil
			}),

		mk("detect_conflicts",
			"List paths with unresolved merge conflicts.",
			object(map[string]any{"root": rootParam}, "root"),
			nil,
			func(ctx context.Context, root string, _ map[string]any) (any, bool, error) {
				rep, err := r.DetectConflicts(ctx, root)
				if err != nil {
					return nil, false, err
				}
				return rep, rep.Git.OK(), nil
			}),

		mk("tree",
			"List every path in the repository at a ref.",
			object(map[string]any{
				"root": rootParam,
				"ref":  str("Ref to list. Default HEAD"),
			}, "root"),
			nil,
			func(ctx context.Context, root string, p map[string]any) (any, bool, error) {
				ref, err := tools.OptionalString(p, "ref", "HEAD")
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				rep, err := r.Tree(ctx, root, ref)
				if err != nil {
					return nil, false, err
				}
				return rep, rep.Git.OK(), nil
			}),

		mk("file_at_ref",
			"Read a file as stored at a ref, without checking it out.",
			object(map[string]any{
				"root": rootParam,
				"ref":  str("Ref to read from. Default HEAD"),
				"path": str("File path relative to the repository root"),
			}, "root", "path"),
			[]string{"path"},
			func(ctx context.Context, root string, p map[string]any) (any, bool, error) {
				ref, err := tools.OptionalString(p, "ref", "HEAD")
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				path, _ := tools.RequireString(p, "path")
				view, err := r.FileAtRef(ctx, root, ref, path)
				if err != nil {
					return nil, false, err
				}
				return view, view.Git.OK(), nil
			}),

		mk("diff_range",
			"Patch between two refs: base..head, or base...head from their merge base.",
			object(map[string]any{
				"root":       rootParam,
				"base":       str("Base ref. Default HEAD~1"),
				"head":       str("Head ref. Default HEAD"),
				"triple_dot": boolean("Diff from the merge base of base and head", false),
				"pathspec":   stringList("Limit the diff to these paths"),
			}, "root"),
			nil,
			func(ctx context.Context, root string, p map[string]any) (any, bool, error) {
				base, err := tools.OptionalString(p, "base", "HEAD~1")
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				head, err := tools.OptionalString(p, "head", "HEAD")
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				triple, err := tools.OptionalBool(p, "triple_dot", false)
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				pathspec, err := tools.StringSlice(p, "pathspec")
				if err != nil {
					return nil, false, invalidf("%v", err)
				}
				rep, err := r.DiffRange(ctx, root, base, head, triple, pathspec)
				if err != nil {
					return nil, false, err
				}
				return rep, rep.Git.OK(), nil
			}),
	}
}
