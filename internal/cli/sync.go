package cli

import (
	"fmt"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/spf13/cobra"
)

func newSyncCmd(opts *globalOptions) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Grant a sync opportunity and replay the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Tag    string                `json:"tag"`
				Result agent.ReconcileResult `json:"result"`
			}
			if err := newAPIClient(opts).doJSON(cmd.Context(), "POST", "/v1/sync", nil, map[string]string{"tag": tag}, &resp); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: attempted %d, delivered %d, failed %d\n",
				resp.Tag, resp.Result.Attempted, resp.Result.Delivered, resp.Result.Failed)
			return err
		},
	}
	cmd.Flags().StringVar(&tag, "tag", agent.SyncTag, "sync tag")
	return cmd
}

func newPeriodicSyncCmd(opts *globalOptions) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "periodic-sync",
		Short: "Run the scheduled reminder check now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Tag   string `json:"tag"`
				Fired bool   `json:"fired"`
			}
			if err := newAPIClient(opts).doJSON(cmd.Context(), "POST", "/v1/periodic-sync", nil, map[string]string{"tag": tag}, &resp); err != nil {
				return fmt.Errorf("periodic sync: %w", err)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			state := "suppressed"
			if resp.Fired {
				state = "shown"
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: reminder %s\n", resp.Tag, state)
			return err
		},
	}
	cmd.Flags().StringVar(&tag, "tag", agent.ReminderTag, "periodic sync tag")
	return cmd
}
