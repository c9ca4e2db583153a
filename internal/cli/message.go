package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/relaypush/internal/agent"
	"github.com/spf13/cobra"
)

func newMessageCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send control messages to the agent",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "skip-waiting",
		Short: "Let a waiting generation take over immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendMessage(cmd, opts, agent.ControlMessage{Type: agent.MessageSkipWaiting})
		},
	})

	var (
		title string
		body  string
		link  string
		tag   string
		delay time.Duration
	)
	schedule := &cobra.Command{
		Use:   "schedule",
		Short: "Display a notification after a delay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if delay < 0 {
				return fmt.Errorf("delay must not be negative")
			}
			notification := map[string]any{"title": title}
			if body != "" {
				notification["body"] = body
			}
			if tag != "" {
				notification["tag"] = tag
			}
			if link != "" {
				notification["data"] = map[string]string{"url": link}
			}
			raw, err := json.Marshal(notification)
			if err != nil {
				return err
			}
			return sendMessage(cmd, opts, agent.ControlMessage{
				Type:         agent.MessageScheduleNotification,
				Notification: raw,
				Delay:        delay.Milliseconds(),
			})
		},
	}
	schedule.Flags().StringVar(&title, "title", "MoodLog", "notification title")
	schedule.Flags().StringVar(&body, "body", "", "notification body")
	schedule.Flags().StringVar(&link, "url", "", "page to open on click")
	schedule.Flags().StringVar(&tag, "tag", "", "replacement tag")
	schedule.Flags().DurationVar(&delay, "delay", 0, "delay before display")
	cmd.AddCommand(schedule)
	return cmd
}

func sendMessage(cmd *cobra.Command, opts *globalOptions, msg agent.ControlMessage) error {
	var resp json.RawMessage
	if err := newAPIClient(opts).doJSON(cmd.Context(), "POST", "/v1/messages", nil, msg, &resp); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	if opts.jsonOutput {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), string(resp))
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s accepted\n", msg.Type)
	return err
}
