package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relaypush/internal/config"
	"github.com/agentworkforce/relaypush/internal/httpapi"
	"github.com/spf13/cobra"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
		secret  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("subject is required")
			}
			if ttl <= 0 {
				return fmt.Errorf("ttl must be positive")
			}
			if secret == "" {
				cfg, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}
				secret = cfg.JWTSecret
				if secret == "" {
					secret = httpapi.DevJWTSecret
				}
			}
			token, err := httpapi.MintToken(secret, subject, scopes, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "relaypush-ctl", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scopes", httpapi.AllScopes(), "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default auth.jwt_secret from config)")
	return cmd
}
