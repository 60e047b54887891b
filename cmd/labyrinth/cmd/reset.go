package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the deception environment",
	Long: `Reset the deception environment through the control API.

Every session container is force-removed and the replayable forensic
streams (per-session JSONL, auth events, HTTP log) are cleared.
Intelligence dossiers and captured prompts are preserved: reset clears
the live environment, not the evidence archive.

Examples:
  # Reset with confirmation
  labyrinth reset

  # Reset without prompting
  labyrinth reset --force --token "$LABYRINTH_TOKEN"`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	resetCmd.Flags().StringVar(&controlToken, "token", "", "control API bearer token")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetForce {
		fmt.Fprint(os.Stderr, "Remove all session containers and forensic streams? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	payload, err := controlRequest(http.MethodPost, "/api/reset", nil)
	if err != nil {
		return err
	}

	fmt.Printf("containers removed: %v\n", payload["containers_removed"])
	fmt.Printf("files cleared:      %v\n", payload["files_cleared"])
	if errs, ok := payload["errors"].([]any); ok && len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "errors:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
		return fmt.Errorf("reset finished with %d error(s)", len(errs))
	}
	return nil
}
