package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"subscribe-service/pkg/config"
)

type rootOptions struct {
	env       string
	configDir string
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Email subscriptions and activity digests for a data catalog",
		Long: `subscribe lets anyone follow a dataset, group or organization by email.

Run "serve" for the HTTP API, "worker" to deliver queued mail and
"send-any-notifications" from cron (or with -r) to send the digests.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.env, "env", config.GetConfigEnv(), "config environment (config/<env>.yaml)")
	cmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", "config", "directory holding base.yaml and <env>.yaml")

	cmd.AddCommand(
		serveCmd(opts),
		workerCmd(opts),
		sendNotificationsCmd(opts),
		initDBCmd(opts),
		createTestActivityCmd(opts),
		deleteTestActivityCmd(opts),
		outboxCmd(opts),
	)
	return cmd
}
