package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule describes how one git command is classified.
//
// The base Class applies unless an escalation triggers. Escalations only
// ever move a command towards a stricter class: read_only → mutating, and
// anything → unsupported for denied flags or subcommands.
type Rule struct {
	Name   string    `json:"name" yaml:"name"`
	Class  Class     `json:"class" yaml:"class"`
	Risk   RiskLevel `json:"risk" yaml:"risk"`
	Reason string    `json:"reason,omitempty" yaml:"reason,omitempty"` // Shown when the command is unsupported.

	// MutatingRisk is the risk reported when a read-only command escalates. Zero = RiskMedium.
	MutatingRisk RiskLevel `json:"mutating_risk,omitempty" yaml:"mutating_risk,omitempty"`

	MutatingFlags []string `json:"mutating_flags,omitempty" yaml:"mutating_flags,omitempty"`
	DeniedFlags   []string `json:"denied_flags,omitempty" yaml:"denied_flags,omitempty"`
	// ValueFlags consume the following argument, which is then not a positional.
	ValueFlags []string `json:"value_flags,omitempty" yaml:"value_flags,omitempty"`
	// ListFlags force listing mode and suppress positional escalation.
	ListFlags []string `json:"list_flags,omitempty" yaml:"list_flags,omitempty"`

	// Subcommands are matched against the first positional argument.
	ReadOnlySubcommands []string `json:"read_only_subcommands,omitempty" yaml:"read_only_subcommands,omitempty"`
	MutatingSubcommands []string `json:"mutating_subcommands,omitempty" yaml:"mutating_subcommands,omitempty"`
	DeniedSubcommands   []string `json:"denied_subcommands,omitempty" yaml:"denied_subcommands,omitempty"`
	// BareMutating escalates when no positional is given (git stash == git stash push).
	BareMutating bool `json:"bare_mutating,omitempty" yaml:"bare_mutating,omitempty"`
	// UnknownSubcommand is the class for a first positional that matches no subcommand list.
	// Only consulted when at least one subcommand list is set. Nil keeps the base class.
	UnknownSubcommand *Class `json:"unknown_subcommand,omitempty" yaml:"unknown_subcommand,omitempty"`

	// PositionalsMutate escalates when any positional is present (git branch <name>).
	PositionalsMutate bool `json:"positionals_mutate,omitempty" yaml:"positionals_mutate,omitempty"`
	// MaxPositionals rejects invocations with more positionals (git config <key> <value>). 0 = unlimited.
	MaxPositionals int    `json:"max_positionals,omitempty" yaml:"max_positionals,omitempty"`
	MaxReason      string `json:"max_reason,omitempty" yaml:"max_reason,omitempty"`
}

// RuleTable is an immutable lookup table of rules plus the global flag denylist.
type RuleTable struct {
	GlobalDeniedFlags []string `json:"global_denied_flags" yaml:"global_denied_flags"`
	Rules             []Rule   `json:"rules" yaml:"rules"`

	byName map[string]*Rule
}

// NewRuleTable indexes rules by name. Later duplicates override earlier ones.
func NewRuleTable(globalDenied []string, rules []Rule) (*RuleTable, error) {
	t := &RuleTable{
		GlobalDeniedFlags: append([]string(nil), globalDenied...),
		Rules:             append([]Rule(nil), rules...),
	}
	if err := t.index(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *RuleTable) index() error {
	t.byName = make(map[string]*Rule, len(t.Rules))
	for i := range t.Rules {
		r := &t.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("rules[%d]: name is required", i)
		}
		if strings.HasPrefix(r.Name, "-") {
			return fmt.Errorf("rules[%d]: name %q must not start with '-'", i, r.Name)
		}
		for _, f := range append(append(append([]string{}, r.MutatingFlags...), r.DeniedFlags...), r.ValueFlags...) {
			if !strings.HasPrefix(f, "-") {
				return fmt.Errorf("rules[%d] (%s): flag %q must start with '-'", i, r.Name, f)
			}
		}
		t.byName[r.Name] = r
	}
	return nil
}

// Lookup returns the rule for a command name.
func (t *RuleTable) Lookup(name string) (*Rule, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// Names returns all command names in sorted order.
func (t *RuleTable) Names() []string {
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// YAML renders the table in the same shape LoadRules reads.
func (t *RuleTable) YAML() ([]byte, error) {
	return yaml.Marshal(struct {
		GlobalDeniedFlags []string `yaml:"global_denied_flags"`
		Rules             []Rule   `yaml:"rules"`
	}{t.GlobalDeniedFlags, t.Rules})
}

// LoadRules reads a YAML or JSON rule file. The format is detected by extension:
// .yml/.yaml for YAML, everything else for JSON. The file replaces the default table.
func LoadRules(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}

	var t RuleTable
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parsing YAML rules %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parsing JSON rules %s: %w", path, err)
		}
	}
	if len(t.Rules) == 0 {
		return nil, fmt.Errorf("rules %s: no rules defined", path)
	}
	if err := t.index(); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return &t, nil
}

// defaultGlobalDeniedFlags are rejected for every command. They execute
// external programs, write outside the repository, or read outside it.
// An entry ending in "=" matches only the value form, so rev-parse
// --git-dir stays a query.
var defaultGlobalDeniedFlags = []string{
	"--exec",
	"--upload-pack",
	"--receive-pack",
	"--output",
	"--ext-diff",
	"--textconv",
	"--filters",
	"--open-files-in-pager",
	"--no-index",
	"--config-env",
	"--global",
	"--system",
	"--force",
	"--paginate",
	"--super-prefix",
	"--recurse-submodules",
	"--file",
	"--blob",
	"--exec-path",
	"--work-tree",
	"--namespace",
	"--git-dir=",
}

func classPtr(c Class) *Class { return &c }

// DefaultRules returns the built-in rule table.
func DefaultRules() *RuleTable {
	read := func(name string) Rule {
		return Rule{Name: name, Class: ClassReadOnly, Risk: RiskLow}
	}
	write := func(name string, risk RiskLevel, denied ...string) Rule {
		return Rule{Name: name, Class: ClassMutating, Risk: risk, DeniedFlags: denied}
	}
	unsupported := func(reason string, names ...string) []Rule {
		out := make([]Rule, len(names))
		for i, n := range names {
			out[i] = Rule{Name: n, Class: ClassUnsupported, Risk: RiskCritical, Reason: reason}
		}
		return out
	}
	interactive := []string{"-i", "--interactive", "-p", "--patch", "-e", "--edit"}

	rules := []Rule{
		read("rev-parse"),
		read("status"),
		read("log"),
		read("diff"),
		read("show"),
		{
			Name: "ls-files", Class: ClassReadOnly, Risk: RiskLow,
			DeniedFlags: []string{"--exclude-from", "-X"},
		},
		read("ls-tree"),
		read("cat-file"),
		read("describe"),
		read("merge-base"),
		read("shortlog"),
		read("show-ref"),
		read("show-branch"),
		read("for-each-ref"),
		read("rev-list"),
		read("name-rev"),
		read("count-objects"),
		read("whatchanged"),
		read("check-ignore"),
		read("check-attr"),
		read("diff-tree"),
		read("diff-index"),
		read("diff-files"),
		read("range-diff"),
		read("cherry"),
		read("version"),
		{
			Name: "grep", Class: ClassReadOnly, Risk: RiskLow,
			DeniedFlags: []string{"-O", "-f"},
		},
		{
			Name: "blame", Class: ClassReadOnly, Risk: RiskLow,
			DeniedFlags: []string{"--contents"},
		},
		{
			Name: "annotate", Class: ClassReadOnly, Risk: RiskLow,
			DeniedFlags: []string{"--contents"},
		},
		{
			Name: "branch", Class: ClassReadOnly, Risk: RiskLow, MutatingRisk: RiskMedium,
			MutatingFlags: []string{
				"-d", "-D", "--delete", "-m", "-M", "--move", "-c", "-C", "--copy",
				"-f", "-u", "--set-upstream-to", "--unset-upstream", "--edit-description",
				"-t", "--track", "--no-track", "--create-reflog",
			},
			ValueFlags:        []string{"--contains", "--no-contains", "--merged", "--no-merged", "--points-at", "--sort", "--format"},
			ListFlags:         []string{"-l", "--list", "--show-current"},
			PositionalsMutate: true,
		},
		{
			Name: "tag", Class: ClassReadOnly, Risk: RiskLow, MutatingRisk: RiskMedium,
			MutatingFlags: []string{
				"-a", "--annotate", "-s", "--sign", "-u", "--local-user", "-f",
				"-d", "--delete", "-m", "--message", "-F", "--file", "-e", "--edit", "--create-reflog",
			},
			ValueFlags:        []string{"--contains", "--no-contains", "--merged", "--no-merged", "--points-at", "--sort", "--format"},
			ListFlags:         []string{"-l", "--list", "-v", "--verify"},
			PositionalsMutate: true,
		},
		{
			Name: "stash", Class: ClassReadOnly, Risk: RiskLow, MutatingRisk: RiskMedium,
			ReadOnlySubcommands: []string{"list", "show"},
			MutatingSubcommands: []string{"push", "pop", "apply", "drop", "clear", "save", "branch", "create", "store"},
			UnknownSubcommand:   classPtr(ClassMutating),
			BareMutating:        true,
		},
		{
			Name: "config", Class: ClassReadOnly, Risk: RiskLow,
			ReadOnlySubcommands: []string{"get", "list"},
			DeniedSubcommands:   []string{"set", "unset", "rename-section", "remove-section", "edit"},
			DeniedFlags: []string{
				"--add", "--replace-all", "--unset", "--unset-all", "--rename-section",
				"--remove-section", "-e", "--edit", "-f", "--file", "--blob", "--worktree", "--local",
			},
			ListFlags:      []string{"--get", "--get-all", "--get-regexp", "--get-urlmatch", "--get-color", "--get-colorbool", "-l", "--list"},
			MaxPositionals: 1,
			MaxReason:      "configuration writes are not supported",
		},
		{
			Name: "remote", Class: ClassReadOnly, Risk: RiskLow,
			ReadOnlySubcommands: []string{"get-url"},
			DeniedSubcommands:   []string{"add", "remove", "rm", "rename", "set-url", "set-head", "set-branches", "prune", "update", "show"},
			UnknownSubcommand:   classPtr(ClassUnsupported),
			Reason:              "remote management and remote queries are not supported",
		},
		{
			Name: "reflog", Class: ClassReadOnly, Risk: RiskLow,
			ReadOnlySubcommands: []string{"show", "exists"},
			DeniedSubcommands:   []string{"expire", "delete", "drop"},
			Reason:              "reflog pruning is not supported",
		},
		{
			Name: "worktree", Class: ClassReadOnly, Risk: RiskLow, MutatingRisk: RiskHigh,
			ReadOnlySubcommands: []string{"list"},
			MutatingSubcommands: []string{"add", "remove", "move", "prune", "lock", "unlock", "repair"},
			UnknownSubcommand:   classPtr(ClassUnsupported),
		},
		{
			Name: "notes", Class: ClassReadOnly, Risk: RiskLow, MutatingRisk: RiskMedium,
			ReadOnlySubcommands: []string{"list", "show", "get-ref"},
			MutatingSubcommands: []string{"add", "append", "copy", "edit", "merge", "remove", "prune"},
			UnknownSubcommand:   classPtr(ClassUnsupported),
		},

		write("add", RiskMedium, interactive...),
		write("rm", RiskMedium),
		write("mv", RiskMedium),
		write("restore", RiskMedium, "-p", "--patch"),
		write("switch", RiskMedium),
		write("commit", RiskHigh, "--interactive", "-p", "--patch", "-F", "-t", "--template"),
		write("checkout", RiskHigh, "-p", "--patch"),
		write("merge", RiskHigh),
		write("cherry-pick", RiskHigh),
		write("revert", RiskHigh),
		write("apply", RiskHigh),
		write("am", RiskHigh, "-i", "--interactive"),
		write("update-index", RiskHigh),
		write("reset", RiskCritical, "-p", "--patch"),
		write("clean", RiskCritical, "-i", "--interactive"),
		write("rebase", RiskCritical, "-i", "--interactive", "-x"),
	}

	rules = append(rules, unsupported("network access is not supported",
		"push", "fetch", "pull", "clone", "ls-remote", "submodule", "remote-ext", "remote-fd")...)
	rules = append(rules, unsupported("history rewriting and object database maintenance are not supported",
		"gc", "prune", "update-ref", "commit-tree", "replace", "filter-branch", "fast-import",
		"repack", "pack-refs", "maintenance", "symbolic-ref", "read-tree", "write-tree", "hash-object")...)
	rules = append(rules, unsupported("credential handling is not supported",
		"credential", "credential-store", "credential-cache")...)
	rules = append(rules, unsupported("server and transport commands are not supported",
		"daemon", "http-backend", "upload-pack", "receive-pack", "upload-archive", "instaweb",
		"send-email", "request-pull", "svn", "p4", "cvsimport", "cvsserver", "shell")...)
	rules = append(rules, unsupported("archive and bundle output is not supported",
		"archive", "bundle", "format-patch")...)
	rules = append(rules, unsupported("commands that launch external programs are not supported",
		"help", "difftool", "mergetool", "gui", "citool", "web--browse", "bisect", "hook", "var")...)
	rules = append(rules, unsupported("repository creation is not supported", "init")...)

	t, err := NewRuleTable(defaultGlobalDeniedFlags, rules)
	if err != nil {
		// The built-in table is static; an error here is a programming bug.
		panic("security: invalid default rule table: " + err.Error())
	}
	return t
}
