package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agentworkforce/relaypush/internal/storage"
	"github.com/spf13/cobra"
)

func newOutboxCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect or feed the notification outbox",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Items []storage.QueuedNotification `json:"items"`
			}
			if err := newAPIClient(opts).doJSON(cmd.Context(), "GET", "/v1/outbox", nil, nil, &resp); err != nil {
				return fmt.Errorf("list outbox: %w", err)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp.Items)
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), renderOutbox(resp.Items))
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <json|->",
		Short: "Deliver a notification, queueing it when the remote is unreachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			var resp struct {
				Queued bool `json:"queued"`
			}
			if err := newAPIClient(opts).doJSON(cmd.Context(), "POST", "/v1/outbox", nil, payload, &resp); err != nil {
				return fmt.Errorf("deliver: %w", err)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			msg := "delivered"
			if resp.Queued {
				msg = "queued for next sync"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), msg)
			return err
		},
	})
	return cmd
}

// readPayload takes a JSON argument, or stdin when the argument is "-".
func readPayload(stdin io.Reader, arg string) (json.RawMessage, error) {
	var data []byte
	if arg == "-" {
		read, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		data = read
	} else if strings.HasPrefix(arg, "@") {
		read, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, err
		}
		data = read
	} else {
		data = []byte(arg)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}
