package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install <formula>...",
	Short: "Install one or more formulas and their dependencies",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx := cmd.Context()
		plan, err := e.installer.Plan(ctx, args)
		if err != nil {
			return fmt.Errorf("planning install: %w", err)
		}
		for _, step := range plan.Steps {
			fmt.Fprintf(os.Stdout, "==> %s %s\n", step.Formula.Name, step.Formula.EffectiveVersion())
		}
		if err := e.installer.Execute(ctx, plan); err != nil {
			return fmt.Errorf("installing: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Installed %d formula(s)\n", len(plan.Steps))
		return nil
	},
}
