package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gitguard/internal/security"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <command> [args...]",
	Short: "Show how a git command would be classified, without running it",
	Long: `Classify a git command against the effective rule table and print the
class, risk level and reason as JSON. Nothing is executed.

Examples:
  gitguard classify status
  gitguard classify -- branch -D feature
  gitguard classify -- push --force origin main`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

// classifyOutput is the JSON printed by classify.
type classifyOutput struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	Class    string   `json:"class"`
	Risk     string   `json:"risk"`
	Mutating bool     `json:"mutating"`
	Reason   string   `json:"reason,omitempty"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rules, err := loadRules(cfg)
	if err != nil {
		return err
	}

	c := security.NewClassifier(rules).Classify(args[0], args[1:])
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(newClassifyOutput(c)); err != nil {
		return err
	}
	if c.Class == security.ClassUnsupported {
		return &exitError{code: ExitPolicyDenied}
	}
	return nil
}

func newClassifyOutput(c security.Classification) classifyOutput {
	args := c.Args
	if args == nil {
		args = []string{}
	}
	return classifyOutput{
		Command:  c.Command,
		Args:     args,
		Class:    c.Class.String(),
		Risk:     c.Risk.String(),
		Mutating: c.Mutating(),
		Reason:   c.Reason,
	}
}
