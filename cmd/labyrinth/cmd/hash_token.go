package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Generate an argon2id hash for the control API token",
	Long: `Generate an argon2id hash of a control API bearer token.

Put the output in server.auth_token_hash; mutating control API
endpoints then require the plaintext token as a bearer credential.

Example:
  labyrinth hash-token "my-operator-token"

Security note: the token will appear in shell history. Consider using
an environment variable:
  labyrinth hash-token "$LABYRINTH_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("failed to hash token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
