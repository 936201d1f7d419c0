package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// EnvOptions controls the child environment for one git invocation.
type EnvOptions struct {
	// Root is the canonical repository root.
	Root string
	// Home is a private per-call directory used as HOME and TMPDIR.
	Home string
	// Path overrides PATH. Empty = the host PATH.
	Path string
	// Passthrough names host variables copied verbatim when set. Names that
	// would override a fixed variable or start with GIT_ are ignored.
	Passthrough []string
}

// gitConfigOverrides are injected through GIT_CONFIG_COUNT and win over any
// repository-local configuration.
var gitConfigOverrides = [][2]string{
	{"core.hooksPath", os.DevNull},
	{"core.fsmonitor", "false"},
	{"core.pager", "cat"},
	{"core.editor", "true"},
	{"core.sshCommand", "false"},
	{"credential.helper", ""},
	{"protocol.allow", "never"},
	{"protocol.file.allow", "always"},
	{"color.ui", "false"},
	{"gc.auto", "0"},
	{"maintenance.auto", "false"},
	{"sequence.editor", "true"},
	// Signature verification would run a repository-chosen program.
	{"gpg.program", "false"},
	{"gpg.openpgp.program", "false"},
	{"gpg.ssh.program", "false"},
	{"gpg.x509.program", "false"},
}

// BuildEnv returns the complete, sorted environment for a git child process.
// Nothing from the host is inherited except PATH (and SYSTEMROOT on Windows)
// plus explicitly listed passthrough variables.
func BuildEnv(opts EnvOptions) []string {
	path := opts.Path
	if path == "" {
		path = os.Getenv("PATH")
	}

	vars := map[string]string{
		"PATH": path,
		"HOME": opts.Home,
		// Config isolation.
		"XDG_CONFIG_HOME":     filepath.Join(opts.Home, ".config"),
		"GIT_CONFIG_NOSYSTEM": "1",
		"GIT_CONFIG_GLOBAL":   os.DevNull,
		// No prompts, pagers or editors.
		"GIT_TERMINAL_PROMPT": "0",
		"GCM_INTERACTIVE":     "Never",
		"GIT_ASKPASS":         "",
		"SSH_ASKPASS":         "",
		"GIT_PAGER":           "cat",
		"PAGER":               "cat",
		"GIT_EDITOR":          "true",
		"GIT_SEQUENCE_EDITOR": "true",
		"TERM":                "dumb",
		// Deterministic locale.
		"LC_ALL": "C",
		"LANG":   "C",
		// Repository confinement.
		"GIT_CEILING_DIRECTORIES": filepath.Dir(opts.Root),
		"GIT_OPTIONAL_LOCKS":      "0",
		"GIT_ALLOW_PROTOCOL":      "file",
		"GIT_NO_REPLACE_OBJECTS":  "1",
		// Abbreviated long options are rejected by git itself, so a flag
		// is always spelled the way the classifier saw it.
		"GIT_TEST_DISALLOW_ABBREVIATED_OPTIONS": "1",
		"TMPDIR":                                opts.Home,
	}
	if runtime.GOOS == "windows" {
		vars["USERPROFILE"] = opts.Home
		vars["TEMP"] = opts.Home
		vars["TMP"] = opts.Home
		if v := os.Getenv("SYSTEMROOT"); v != "" {
			vars["SYSTEMROOT"] = v
		}
	}

	vars["GIT_CONFIG_COUNT"] = strconv.Itoa(len(gitConfigOverrides))
	for i, kv := range gitConfigOverrides {
		vars[fmt.Sprintf("GIT_CONFIG_KEY_%d", i)] = kv[0]
		vars[fmt.Sprintf("GIT_CONFIG_VALUE_%d", i)] = kv[1]
	}

	for _, name := range opts.Passthrough {
		if name == "" || strings.HasPrefix(strings.ToUpper(name), "GIT_") {
			continue
		}
		if _, fixed := vars[name]; fixed {
			continue
		}
		if v, ok := os.LookupEnv(name); ok {
			vars[name] = v
		}
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
