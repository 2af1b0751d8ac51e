package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed formulas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		kegs, err := e.db.ListInstalledKegs(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing installed formulas: %w", err)
		}
		if len(kegs) == 0 {
			fmt.Fprintln(os.Stdout, "No formulas installed.")
			return nil
		}
		for _, keg := range kegs {
			fmt.Fprintf(os.Stdout, "%-30s %s\n", keg.InstallName, keg.Version)
		}
		return nil
	},
}
