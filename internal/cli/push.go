package cli

import (
	"fmt"
	"time"

	"github.com/agentworkforce/relaypush/internal/config"
	"github.com/agentworkforce/relaypush/internal/httpapi"
	"github.com/spf13/cobra"
)

func newPushCmd(opts *globalOptions) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "push <json|-|@file>",
		Short: "Deliver a signed push payload to the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if secret == "" {
				secret, err = pushSecret(opts.configPath)
				if err != nil {
					return err
				}
			}
			timestamp := time.Now().UTC().Format(time.RFC3339)
			headers := map[string]string{
				"X-Relay-Timestamp": timestamp,
				"X-Relay-Signature": httpapi.SignPush(secret, timestamp, payload),
			}
			if err := newAPIClient(opts).doJSON(cmd.Context(), "POST", "/v1/push", headers, payload, nil); err != nil {
				return fmt.Errorf("push: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "push accepted")
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "push HMAC secret (default push.hmac_secret from config)")
	return cmd
}

func pushSecret(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.PushHMACSecret == "" {
		return httpapi.DevPushSecret, nil
	}
	return cfg.PushHMACSecret, nil
}
