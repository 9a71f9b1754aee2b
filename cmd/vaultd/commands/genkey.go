package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

// NewGenKeyCommand prints a fresh random key suitable for master_key or
// token_signing_key.
func NewGenKeyCommand() *cobra.Command {
	var length int

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a random key for master_key or token_signing_key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if length < 32 {
				return fmt.Errorf("length must be at least 32, got %d", length)
			}
			buf := make([]byte, (length+1)/2)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("reading random bytes: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(buf)[:length])
			return nil
		},
	}
	cmd.Flags().IntVar(&length, "length", 64, "Key length in characters")
	return cmd
}
