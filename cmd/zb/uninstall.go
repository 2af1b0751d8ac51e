package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var uninstallCmd = &cobra.Command{
	Use:     "uninstall <formula>",
	Aliases: []string{"remove", "rm"},
	Short:   "Uninstall a formula",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.installer.Uninstall(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("uninstalling %s: %w", args[0], err)
		}
		fmt.Fprintf(os.Stdout, "Uninstalled %s\n", args[0])
		return nil
	},
}
