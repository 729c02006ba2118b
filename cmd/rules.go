// Package cmd provides command-line interface commands for Argus.
package cmd

import (
	"fmt"
	"os"
	"sort"

	"argus/rules"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
)

var (
	rulesDir string
	noColor  bool
	quiet    bool
)

// NewRulesCmd creates the rules command group.
func NewRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage detection rules",
		Long:  "Compile and inspect the detection rule directory without starting the service.",
	}

	rulesCmd.PersistentFlags().StringVar(&rulesDir, "dir", "./rules.d", "Rule directory")
	rulesCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rulesCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output")

	rulesCmd.AddCommand(newRulesCheckCmd())
	return rulesCmd
}

// newRulesCheckCmd compiles the rule directory and reports the result.
// Exits non-zero on any invalid rule, so it can gate a deploy.
func newRulesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compile the rule directory and report errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}

			rs, err := rules.Compile(rulesDir, zap.NewNop().Sugar())
			if err != nil {
				errorColor.Fprintf(os.Stderr, "✗ Rule compilation failed\n")
				fmt.Fprintf(os.Stderr, "  %v\n", err)
				return err
			}

			if quiet {
				return nil
			}

			successColor.Printf("✓ %d rules compiled from %s\n", rs.Len(), rulesDir)

			names := rs.Names()
			sort.Strings(names)
			for _, name := range names {
				infoColor.Printf("  %s\n", name)
			}
			return nil
		},
	}
}
