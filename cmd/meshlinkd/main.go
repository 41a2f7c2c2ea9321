package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshlinkd",
	Short: "MeshLink node daemon and key management CLI",
	Long: `meshlinkd runs a MeshLink mesh node and manages its signature keys.

This tool supports:
- Ed25519 signature key generation and inspection (keygen)
- Running a node against a YAML configuration file (run)`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
