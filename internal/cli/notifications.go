package cli

import (
	"fmt"
	"net/url"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/spf13/cobra"
)

func newNotificationsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "Inspect and act on displayed notifications",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List notifications the agent is tracking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Items []agent.VisibleNotification `json:"items"`
			}
			if err := newAPIClient(opts).doJSON(cmd.Context(), "GET", "/v1/notifications", nil, nil, &resp); err != nil {
				return fmt.Errorf("list notifications: %w", err)
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp.Items)
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), renderNotifications(resp.Items))
			return err
		},
	})

	var action string
	click := &cobra.Command{
		Use:   "click <id>",
		Short: "Simulate a click on a notification or one of its actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/notifications/" + url.PathEscape(args[0]) + "/click"
			if err := newAPIClient(opts).doJSON(cmd.Context(), "POST", path, nil, map[string]string{"action": action}, nil); err != nil {
				return fmt.Errorf("click %s: %w", args[0], err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "clicked %s\n", args[0])
			return err
		},
	}
	click.Flags().StringVar(&action, "action", "", "action id (open or close); empty clicks the body")
	cmd.AddCommand(click)

	cmd.AddCommand(&cobra.Command{
		Use:   "close <id>",
		Short: "Dismiss a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/notifications/" + url.PathEscape(args[0]) + "/close"
			if err := newAPIClient(opts).doJSON(cmd.Context(), "POST", path, nil, nil, nil); err != nil {
				return fmt.Errorf("close %s: %w", args[0], err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", args[0])
			return err
		},
	})
	return cmd
}
