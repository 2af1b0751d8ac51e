package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim store entries no longer referenced by any installed formula",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		reclaimed, err := e.installer.GC(cmd.Context())
		if err != nil {
			return fmt.Errorf("running gc: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Reclaimed %d store entr(ies)\n", len(reclaimed))
		return nil
	},
}
