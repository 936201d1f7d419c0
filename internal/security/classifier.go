package security

import (
	"fmt"
	"strings"
)

// shellTokens are rejected as standalone arguments. Arguments are never
// interpreted by a shell, so a caller sending them expects behavior that
// will not happen.
var shellTokens = map[string]bool{
	"|": true, "||": true, "&&": true, "&": true, ";": true,
	">": true, ">>": true, "<": true, "<<": true,
	"2>": true, "2>>": true, "2>&1": true, "&>": true,
}

// Classifier maps a command name and arguments to a Classification using a
// RuleTable. It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	table *RuleTable
}

// NewClassifier creates a classifier. A nil table uses DefaultRules.
func NewClassifier(table *RuleTable) *Classifier {
	if table == nil {
		table = DefaultRules()
	}
	return &Classifier{table: table}
}

// Table returns the rule table in use.
func (c *Classifier) Table() *RuleTable { return c.table }

// Classify decides whether a git command is read-only, mutating or unsupported.
func (c *Classifier) Classify(name string, args []string) Classification {
	out := Classification{
		Command: name,
		Args:    append([]string(nil), args...),
		Class:   ClassUnsupported,
		Risk:    RiskCritical,
	}
	reject := func(format string, a ...any) Classification {
		out.Class = ClassUnsupported
		out.Risk = RiskCritical
		out.Reason = fmt.Sprintf(format, a...)
		return out
	}

	switch {
	case name == "":
		return reject("empty command")
	case strings.HasPrefix(name, "-"):
		return reject("command must not start with '-'")
	case strings.ContainsAny(name, "/\\\x00 "):
		return reject("invalid command name")
	}
	for _, a := range args {
		if strings.ContainsRune(a, 0) {
			return reject("argument contains a NUL byte")
		}
		if shellTokens[a] || strings.HasPrefix(a, ">") || strings.HasPrefix(a, "|") {
			return reject("shell operator %q is not supported; arguments are passed verbatim", a)
		}
	}

	flags, positionals, listMode := c.scan(name, args)

	for _, f := range flags {
		if matchAnyAbbrev(f, c.table.GlobalDeniedFlags) {
			return reject("flag %s is not allowed", flagName(f))
		}
	}

	rule, ok := c.table.Lookup(name)
	if !ok {
		return reject("unknown command")
	}
	if rule.Class == ClassUnsupported {
		reason := rule.Reason
		if reason == "" {
			reason = "command is not allowed"
		}
		return reject("%s", reason)
	}
	for _, f := range flags {
		if matchAnyAbbrev(f, rule.DeniedFlags) {
			return reject("flag %s is not allowed for git %s", flagName(f), name)
		}
	}

	out.Class = rule.Class
	out.Risk = rule.Risk
	escalate := func(reason string) {
		if out.Class == ClassMutating {
			return
		}
		out.Class = ClassMutating
		out.Risk = rule.MutatingRisk
		if out.Risk < RiskMedium {
			out.Risk = RiskMedium
		}
		out.Reason = reason
	}

	hasSubcommands := len(rule.ReadOnlySubcommands)+len(rule.MutatingSubcommands)+len(rule.DeniedSubcommands) > 0
	counted := positionals
	if hasSubcommands {
		switch {
		case len(positionals) == 0:
			if rule.BareMutating {
				escalate(fmt.Sprintf("git %s without a subcommand modifies the repository", name))
			}
		case contains(rule.DeniedSubcommands, positionals[0]):
			reason := rule.Reason
			if reason == "" {
				reason = "subcommand is not allowed"
			}
			return reject("git %s %s: %s", name, positionals[0], reason)
		case contains(rule.MutatingSubcommands, positionals[0]):
			escalate(fmt.Sprintf("git %s %s modifies the repository", name, positionals[0]))
			counted = positionals[1:]
		case contains(rule.ReadOnlySubcommands, positionals[0]):
			counted = positionals[1:]
		case rule.UnknownSubcommand != nil:
			switch *rule.UnknownSubcommand {
			case ClassMutating:
				escalate(fmt.Sprintf("git %s %s modifies the repository", name, positionals[0]))
			case ClassUnsupported:
				reason := rule.Reason
				if reason == "" {
					reason = "unknown subcommand"
				}
				return reject("git %s %s: %s", name, positionals[0], reason)
			}
		}
	}

	for _, f := range flags {
		if matchAnyAbbrev(f, rule.MutatingFlags) {
			escalate(fmt.Sprintf("flag %s modifies the repository", flagName(f)))
			break
		}
	}

	if !listMode {
		if rule.PositionalsMutate && len(positionals) > 0 {
			escalate(fmt.Sprintf("git %s %s modifies the repository", name, positionals[0]))
		}
		if rule.MaxPositionals > 0 && len(counted) > rule.MaxPositionals {
			reason := rule.MaxReason
			if reason == "" {
				reason = "too many arguments"
			}
			out.Class = ClassUnsupported
			out.Risk = RiskCritical
			out.Reason = reason
			return out
		}
	}

	return out
}

// scan splits arguments before "--" into flags and positionals. Flags listed
// in the rule's ValueFlags consume the next argument. listMode reports
// whether any ListFlags were present.
func (c *Classifier) scan(name string, args []string) (flags, positionals []string, listMode bool) {
	rule, _ := c.table.Lookup(name)
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		if len(a) > 1 && a[0] == '-' {
			flags = append(flags, a)
			if rule == nil {
				continue
			}
			if matchAny(a, rule.ListFlags) {
				listMode = true
			}
			if contains(rule.ValueFlags, a) && i+1 < len(args) {
				i++
			}
			continue
		}
		positionals = append(positionals, a)
	}
	return flags, positionals, listMode
}

// PathspecsAfterSeparator returns the arguments following the first "--".
func PathspecsAfterSeparator(args []string) []string {
	for i, a := range args {
		if a == "--" {
			return args[i+1:]
		}
	}
	return nil
}

func matchAny(arg string, patterns []string) bool {
	for _, p := range patterns {
		if matchFlag(arg, p) {
			return true
		}
	}
	return false
}

// matchFlag reports whether arg sets the flag pattern.
//
// Long flags match exactly or with an attached "=value"; a pattern ending in
// "=" matches only the value form. Short flags match
// exactly, with an attached value ("-mmsg"), or inside a cluster ("-fd").
func matchFlag(arg, pattern string) bool {
	if strings.HasSuffix(pattern, "=") {
		return strings.HasPrefix(arg, pattern)
	}
	if strings.HasPrefix(pattern, "--") {
		return arg == pattern || strings.HasPrefix(arg, pattern+"=")
	}
	return matchShort(arg, pattern)
}

// minAbbrev is the shortest option name, without the leading "--", that is
// treated as an abbreviation.
const minAbbrev = 3

// exactLongFlags are real options that happen to be prefixes of a denied or
// mutating option. git parses them as themselves, never as abbreviations.
var exactLongFlags = map[string]bool{
	"--glob":    true, // --global
	"--text":    true, // --textconv
	"--filter":  true, // --filters
	"--exclude": true, // --exclude-from
}

// matchAnyAbbrev is matchAny that also catches unambiguous prefixes of long
// options, which git's option parser would otherwise expand.
func matchAnyAbbrev(arg string, patterns []string) bool {
	for _, p := range patterns {
		if matchFlag(arg, p) || matchAbbrev(arg, p) {
			return true
		}
	}
	return false
}

// matchAbbrev reports whether a long arg ("--unset-u", "--open-files-in=x")
// is an abbreviation of the long pattern.
func matchAbbrev(arg, pattern string) bool {
	if !strings.HasPrefix(arg, "--") || !strings.HasPrefix(pattern, "--") {
		return false
	}
	name := flagName(arg)
	if len(name)-2 < minAbbrev || exactLongFlags[name] {
		return false
	}
	// A value-only pattern ("--git-dir=") still allows the bare query form.
	if strings.HasSuffix(pattern, "=") && !strings.Contains(arg, "=") {
		return false
	}
	return strings.HasPrefix(strings.TrimSuffix(pattern, "="), name)
}

func matchShort(arg, pattern string) bool {
	if len(pattern) != 2 || pattern[0] != '-' || strings.HasPrefix(arg, "--") || len(arg) < 2 || arg[0] != '-' {
		return arg == pattern
	}
	if arg[1] == pattern[1] {
		return true
	}
	if !isLetters(arg[1:]) {
		return false
	}
	return strings.IndexByte(arg[1:], pattern[1]) >= 0
}

func isLetters(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			return false
		}
	}
	return s != ""
}

func flagName(arg string) string {
	if i := strings.IndexByte(arg, '='); i > 0 && strings.HasPrefix(arg, "--") {
		return arg[:i]
	}
	return arg
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
