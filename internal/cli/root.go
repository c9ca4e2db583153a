package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

type globalOptions struct {
	apiURL     string
	token      string
	configPath string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "relaypush-ctl",
		Short:         "Operate a running relaypush agent",
		Long:          "relaypush-ctl talks to the local relaypush API: control messages, sync opportunities, the outbox, status and cache inspection.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.apiURL, "api", envOrDefault("RELAYPUSH_API", "http://127.0.0.1:8787"), "relaypush API base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("RELAYPUSH_TOKEN")), "bearer token")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", strings.TrimSpace(os.Getenv("RELAYPUSH_CONFIG")), "agent config file, used by token, push and mount")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print raw JSON")

	cmd.AddCommand(newMessageCmd(opts))
	cmd.AddCommand(newSyncCmd(opts))
	cmd.AddCommand(newPeriodicSyncCmd(opts))
	cmd.AddCommand(newOutboxCmd(opts))
	cmd.AddCommand(newNotificationsCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newPushCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	cmd.AddCommand(newMountCmd(opts))
	return cmd
}

// NewRootCmdForTest returns the root command for testing.
func NewRootCmdForTest() *cobra.Command {
	return newRootCmd()
}

func Execute() error {
	return newRootCmd().Execute()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
