package cli

import (
	"fmt"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show generations, outbox depth and connected clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status agent.Status
			if err := newAPIClient(opts).doJSON(cmd.Context(), "GET", "/v1/status", nil, nil, &status); err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), status)
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), renderStatus(status))
			return err
		},
	}
}
