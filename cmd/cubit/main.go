// Package main implements the cubit CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"cubit/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "cubit",
	Short: "GPU kernel compilation cache toolchain",
	Long:  `cubit compiles generated device kernels, caches the binaries per source hash and device capability, and plans launch configurations.`,
}

func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(precompileCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
