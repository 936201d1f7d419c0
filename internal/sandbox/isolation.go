package sandbox

import "os/exec"

// Isolator places a command into its own isolation unit so the command and
// every descendant can be signalled together. Implementations are selected
// per platform at build time.
type Isolator interface {
	// Prepare configures cmd before Start.
	Prepare(cmd *exec.Cmd) error
	// Attach binds the started process to its unit.
	Attach(cmd *exec.Cmd) (ProcessTree, error)
}

// ProcessTree is a handle on one isolation unit.
type ProcessTree interface {
	// Interrupt asks every member to exit.
	Interrupt() error
	// Kill forcibly terminates every remaining member.
	Kill() error
	// Alive reports whether any member still exists.
	Alive() bool
	// Release frees OS resources held by the handle.
	Release() error
}
