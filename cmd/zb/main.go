// Command zb installs and manages Homebrew-bottle-format packages into a
// self-contained prefix, without requiring Homebrew or Ruby.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	prefixFlag  string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "zb",
	Short: "A dependency-free installer for Homebrew-format bottles",
	Long: `zb installs prebuilt Homebrew bottles into a local prefix: it
resolves a formula's dependency closure, downloads and verifies bottle
archives, and links them into a shared bin/lib/include/share tree, all
without shelling out to brew or Ruby.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&prefixFlag, "prefix", "", "install prefix (defaults to ~/.zb)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentPreRun = initLogger

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(gcCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
