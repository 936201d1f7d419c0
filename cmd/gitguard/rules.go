package main

import (
	"github.com/spf13/cobra"

	"github.com/jkaninda/gitguard/internal/security"
)

var rulesDefault bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the effective classification rule table as YAML",
	Long: `Print the rule table gitguard classifies commands with. The output is a
valid rules file: save it, edit it, and point security.rules_file at it.`,
	Args: cobra.NoArgs,
	RunE: runRules,
}

func init() {
	rulesCmd.Flags().BoolVar(&rulesDefault, "default", false, "print the built-in table even when a rules file is configured")
}

func runRules(cmd *cobra.Command, _ []string) error {
	table := security.DefaultRules()
	if !rulesDefault {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if table, err = loadRules(cfg); err != nil {
			return err
		}
	}
	out, err := table.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
