package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"subscribe-service/internal/repository"
)

func initDBCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the subscription, login code, watermark and outbox tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := repository.ApplySchema(cmd.Context(), a.pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "DB tables are setup")
			return nil
		},
	}
}

func createTestActivityCmd(opts *rootOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "create-test-activity <dataset-or-group>",
		Short: "Record a test activity on a dataset, group or organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			activity, err := a.catalog.InsertTestActivity(cmd.Context(), args[0], userID)
			if err != nil {
				return err
			}
			a.logger.Info("Created test activity",
				zap.String("activity_id", activity.ID),
				zap.String("object_id", activity.ObjectID),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "Created test activity %s on %s\n", activity.ID, activity.ObjectID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id recorded on the activity")
	return cmd
}

func deleteTestActivityCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-test-activity",
		Short: "Remove every test activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.catalog.DeleteTestActivity(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d test activities\n", n)
			return nil
		},
	}
}

func outboxCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay outbox events",
	}

	var (
		eventID int64
		failed  bool
		limit   int
	)
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Republish one outbox event, or every failed one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (eventID > 0) == failed {
				return errors.New("specify exactly one of --id or --failed")
			}

			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rs, err := a.replayService()
			if err != nil {
				return err
			}
			if failed {
				n, err := rs.ReplayFailedEvents(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d failed events\n", n)
				return nil
			}
			if err := rs.ReplayEvent(cmd.Context(), eventID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed event %d\n", eventID)
			return nil
		},
	}
	replay.Flags().Int64Var(&eventID, "id", 0, "outbox event id")
	replay.Flags().BoolVar(&failed, "failed", false, "replay every failed event")
	replay.Flags().IntVar(&limit, "limit", 100, "max failed events to replay")

	cmd.AddCommand(replay)
	return cmd
}
