package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elear-solutions/meshlink-tiny/keys"
)

var (
	keygenOutputFile string
	keygenShowOnly   string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate or inspect an Ed25519 signature key",
	Long: `Generate a new Ed25519 signature key and store its raw 96-byte private
key form to a file, or print the public key of an existing key file.`,
	Example: `  # Generate a new key and store it
  meshlinkd keygen --output node.key

  # Print the base64 public key of an existing key file
  meshlinkd keygen --show node.key`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVarP(&keygenOutputFile, "output", "o", "", "Where to store the newly generated private key")
	keygenCmd.Flags().StringVarP(&keygenShowOnly, "show", "s", "", "Print the public key of an existing key file instead of generating one")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if keygenShowOnly != "" {
		return showPublicKey(keygenShowOnly)
	}
	return generateKey()
}

func generateKey() error {
	if keygenOutputFile == "" {
		return fmt.Errorf("--output is required when generating a key")
	}

	k, err := keys.Generate()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.WriteFile(keygenOutputFile, k.StorePrivateRaw(), 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	fmt.Printf("Private key written to: %s\n", keygenOutputFile)
	fmt.Printf("Public key: %s\n", k.StorePublicBase64())
	return nil
}

func showPublicKey(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}

	k, err := keys.LoadPrivateRaw(raw)
	if err != nil {
		return fmt.Errorf("parse key file: %w", err)
	}

	fmt.Println(k.StorePublicBase64())
	return nil
}
