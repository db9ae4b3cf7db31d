package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func sendNotificationsCmd(opts *rootOptions) *cobra.Command {
	var repeat bool

	cmd := &cobra.Command{
		Use:   "send-any-notifications",
		Short: "Email activity digests to every tier that is due",
		Long: `Checks each frequency tier and emails one digest per recipient for the
activity since the tier was last sent. Meant to run from cron every few
minutes; with -r it keeps running and repeats the pass itself.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.newMailer()
			if err != nil {
				return err
			}
			engine, err := a.engine(ctx, m)
			if err != nil {
				return err
			}

			if repeat {
				return engine.Run(ctx, false)
			}

			result, err := engine.RunOnce(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("Notification pass finished",
				zap.Bool("skipped", result.Skipped),
				zap.Int("sent", result.Sent()),
			)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVarP(&repeat, "repeat", "r", false, "repeat the pass until interrupted")
	return cmd
}
