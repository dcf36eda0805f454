package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Generate an argon2id hash for the legacy admin key",
	Long: `Reads an admin key and prints its argon2id hash for ADMIN_API_KEY.

The key is read from stdin when piped, or prompted without echo on a
terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var key []byte
		var err error
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprint(os.Stderr, "Admin key: ")
			key, err = term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
		} else {
			key, err = io.ReadAll(os.Stdin)
			key = bytes.TrimSpace(key)
		}
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		hash, err := argon2id.CreateHash(string(key), argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
