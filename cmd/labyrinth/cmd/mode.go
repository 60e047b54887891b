package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/config"
)

var controlToken string

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Get or set the live interception mode",
	Long: `Get or set the L4 interception mode through the control API.

Modes:
  passive       Observe and harvest only; requests pass unmodified.
  neutralize    Replace the system prompt with a harmless assistant
                prompt and sanitize prior tool output.
  double_agent  Replace the system prompt with a reporting directive.
  counter_intel Reserved for response manipulation.

Mode changes take effect on the next intercepted request; neither the
orchestrator nor the proxy restarts.`,
}

var modeGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the active interception mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := controlRequest(http.MethodGet, "/api/l4/mode", nil)
		if err != nil {
			return err
		}
		fmt.Println(payload["mode"])
		return nil
	},
}

var modeSetCmd = &cobra.Command{
	Use:   "set <mode>",
	Short: "Switch the interception mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := args[0]
		if !forensics.IsValidMode(mode) {
			return fmt.Errorf("invalid mode %q, valid modes: %s",
				mode, strings.Join(forensics.ValidModes, ", "))
		}
		payload, err := controlRequest(http.MethodPost, "/api/l4/mode",
			map[string]string{"mode": mode})
		if err != nil {
			return err
		}
		fmt.Printf("mode set to %s\n", payload["mode"])
		return nil
	},
}

func init() {
	modeCmd.PersistentFlags().StringVar(&controlToken, "token", "", "control API bearer token")
	modeCmd.AddCommand(modeGetCmd)
	modeCmd.AddCommand(modeSetCmd)
	rootCmd.AddCommand(modeCmd)
}

// controlRequest calls the control API of the running orchestrator and
// decodes the JSON reply. Non-2xx responses surface the server's error field.
func controlRequest(method, path string, body any) (map[string]any, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	url := "http://" + cfg.Server.ControlAddr + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if controlToken != "" {
		req.Header.Set("Authorization", "Bearer "+controlToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control API unreachable at %s: %w", cfg.Server.ControlAddr, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("control API returned malformed response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg, ok := payload["error"].(string); ok {
			return nil, fmt.Errorf("control API: %s", msg)
		}
		return nil, fmt.Errorf("control API returned %d", resp.StatusCode)
	}
	return payload, nil
}
